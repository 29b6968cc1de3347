package roadsentry

import (
	"bytes"
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAnnotate_DeterministicOutput(t *testing.T) {
	frame := testPNG(t, 64, 48)
	recs := []ResultRecord{
		{Kind: KindVehicle, Status: StatusSuccess, Detections: []Detection{{Label: "car", Box: Box{4, 4, 40, 30}}}},
		{Kind: KindPlate, Status: StatusSuccess, Detections: []Detection{{Text: "12-AB-34", Box: Box{10, 20, 30, 28}}}},
		{Kind: KindHelmet, Status: StatusSuccess, Detections: []Detection{{Box: Box{8, 2, 20, 16}}}},
	}

	a, err := Annotate(frame, recs)
	require.NoError(t, err)
	b, err := Annotate(frame, recs)
	require.NoError(t, err)
	require.Equal(t, a, b)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(a))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
	require.Equal(t, 64, cfg.Width)
	require.Equal(t, 48, cfg.Height)
}

func TestAnnotate_SkipsFailedAndBoxlessRecords(t *testing.T) {
	frame := testPNG(t, 64, 48)

	baseline, err := Annotate(frame, nil)
	require.NoError(t, err)

	skipped, err := Annotate(frame, []ResultRecord{
		{Kind: KindVehicle, Status: StatusFailed, Detections: []Detection{{Label: "car", Box: Box{4, 4, 40, 30}}}},
		{Kind: KindPlate, Status: StatusSuccess, Detections: []Detection{{Text: "12-AB-34"}}},
	})
	require.NoError(t, err)
	require.Equal(t, baseline, skipped, "failed and box-less records must not change pixels")

	drawn, err := Annotate(frame, []ResultRecord{
		{Kind: KindVehicle, Status: StatusSuccess, Detections: []Detection{{Label: "car", Box: Box{4, 4, 40, 30}}}},
	})
	require.NoError(t, err)
	require.NotEqual(t, baseline, drawn)
}

func TestAnnotate_ClampsOutOfBoundsBox(t *testing.T) {
	frame := testPNG(t, 32, 32)
	out, err := Annotate(frame, []ResultRecord{
		{Kind: KindHelmet, Status: StatusSuccess, Detections: []Detection{{Box: Box{-10, -10, 500, 500}}}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out)
}

func TestAnnotate_RejectsUndecodableFrame(t *testing.T) {
	_, err := Annotate([]byte("not an image"), nil)
	require.ErrorIs(t, err, ErrMediaDecode)
}

func TestSummarize(t *testing.T) {
	byFrame := map[int][]ResultRecord{
		0: {
			{Kind: KindVehicle, Status: StatusSuccess, Detections: []Detection{
				{Label: "car", Box: Box{1, 1, 10, 10}},
				{Label: "motorcycle", Box: Box{12, 1, 22, 10}},
			}},
			{Kind: KindPlate, Status: StatusSuccess, Detections: []Detection{{Text: "11-AA-11"}}},
			{Kind: KindHelmet, Status: StatusSuccess, Detections: []Detection{{Box: Box{12, 1, 22, 6}}}},
		},
		1: {
			{Kind: KindVehicle, Status: StatusSuccess, Detections: []Detection{{Label: "car", Box: Box{2, 2, 11, 11}}}},
			// Same plate again: must not be listed twice.
			{Kind: KindPlate, Status: StatusSuccess, Detections: []Detection{{Text: "11-AA-11"}}},
		},
		2: {
			{Kind: KindVehicle, Status: StatusFailed},
			{Kind: KindPlate, Status: StatusSuccess, Detections: []Detection{{Text: "22-BB-22"}}},
			// Violation without a same-frame plate read keeps an empty plate.
			{Kind: KindHelmet, Status: StatusSuccess, Detections: []Detection{{Box: Box{3, 3, 9, 9}}}},
		},
	}

	sum := Summarize(3, byFrame)
	require.Equal(t, 3, sum.TotalFrames)
	require.Equal(t, 3, sum.VehicleCount)
	require.Equal(t, map[string]int{"car": 2, "motorcycle": 1}, sum.VehicleTypes)
	require.Equal(t, []string{"11-AA-11", "22-BB-22"}, sum.Plates)
	require.Equal(t, []HelmetViolation{
		{Plate: "11-AA-11", Box: Box{12, 1, 22, 6}},
		{Plate: "22-BB-22", Box: Box{3, 3, 9, 9}},
	}, sum.HelmetViolations)
}

func TestSummarize_EmptyJob(t *testing.T) {
	sum := Summarize(2, map[int][]ResultRecord{})
	require.Equal(t, 2, sum.TotalFrames)
	require.Zero(t, sum.VehicleCount)
	require.Nil(t, sum.VehicleTypes)
	require.Empty(t, sum.Plates)
	require.Empty(t, sum.HelmetViolations)
}
