package roadsentry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sliceSource yields a fixed frame sequence, like a demuxed video stream.
type sliceSource struct {
	frames [][]byte
	pos    int
	err    error
}

func (s *sliceSource) Next(ctx context.Context) ([]byte, error) {
	if s.pos >= len(s.frames) {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func TestSplitter_SingleImage(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	store := NewStore(rdb, nil)
	sp := NewSplitter(store, 5, time.Hour, nil)
	ctx := context.Background()

	media := testPNG(t, 64, 48)
	frames, err := sp.SplitImage(ctx, "job-img", media)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, 0, frames[0].Index)
	require.Equal(t, 64, frames[0].Width)
	require.Equal(t, 48, frames[0].Height)

	stored, err := store.GetPayload(ctx, frames[0].PayloadRef)
	require.NoError(t, err)
	require.Equal(t, media, stored)
}

func TestSplitter_UnreadableImage(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	sp := NewSplitter(NewStore(rdb, nil), 5, time.Hour, nil)

	_, err := sp.SplitImage(context.Background(), "job-bad", []byte("not an image"))
	require.ErrorIs(t, err, ErrMediaDecode)
}

func TestSplitter_VideoSampling(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	sp := NewSplitter(NewStore(rdb, nil), 3, time.Hour, nil)

	src := &sliceSource{}
	for i := 0; i < 10; i++ {
		src.frames = append(src.frames, testPNG(t, 32, 24))
	}
	frames, err := sp.SplitVideo(context.Background(), "job-vid", src)
	require.NoError(t, err)
	// Source frames 0, 3, 6, 9 are kept, re-indexed 0..3.
	require.Len(t, frames, 4)
	for i, f := range frames {
		require.Equal(t, i, f.Index)
		require.Equal(t, 32, f.Width)
	}
}

func TestSplitter_VideoUnreadableStream(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	sp := NewSplitter(NewStore(rdb, nil), 1, time.Hour, nil)

	src := &sliceSource{err: io.ErrUnexpectedEOF}
	_, err := sp.SplitVideo(context.Background(), "job-vid-bad", src)
	require.ErrorIs(t, err, ErrMediaDecode)
}

func TestSplitter_VideoSkipsUndecodableFrame(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	sp := NewSplitter(NewStore(rdb, nil), 1, time.Hour, nil)

	src := &sliceSource{frames: [][]byte{
		testPNG(t, 16, 16),
		[]byte("garbage"),
		testPNG(t, 16, 16),
	}}
	frames, err := sp.SplitVideo(context.Background(), "job-vid-skip", src)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, 0, frames[0].Index)
	require.Equal(t, 1, frames[1].Index)
}
