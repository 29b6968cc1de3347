package roadsentry

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

// Overlay colors per kind. Fixed so the rendered output is a pure function
// of the input records.
var kindColors = map[Kind]color.RGBA{
	KindVehicle: {G: 200, A: 255},
	KindPlate:   {R: 230, G: 200, A: 255},
	KindHelmet:  {R: 220, A: 255},
}

const boxStroke = 2

// Annotate renders the records onto the frame in their given order and
// returns JPEG bytes. Callers pass records in the fixed overlay order
// (vehicle, plate, helmet); FAILED records are skipped, not drawn, so a
// missing kind degrades the picture instead of corrupting it. The output is
// deterministic for a given input, which keeps re-merges idempotent.
func Annotate(frame []byte, recs []ResultRecord) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDecode, err)
	}
	dst := image.NewRGBA(src.Bounds())
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)

	for _, rec := range recs {
		if rec.Status != StatusSuccess {
			continue
		}
		col := kindColors[rec.Kind]
		for _, det := range rec.Detections {
			if det.Box.IsZero() {
				// Text-only detections (plate reads without geometry).
				continue
			}
			drawBox(dst, det.Box, col)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawBox strokes a rectangle outline, clamped to the image bounds.
func drawBox(dst *image.RGBA, b Box, col color.RGBA) {
	r := image.Rect(b[0], b[1], b[2], b[3]).Canon().Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	top := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxStroke)
	bottom := image.Rect(r.Min.X, r.Max.Y-boxStroke, r.Max.X, r.Max.Y)
	left := image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxStroke, r.Max.Y)
	right := image.Rect(r.Max.X-boxStroke, r.Min.Y, r.Max.X, r.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(dst, edge.Intersect(dst.Bounds()), &image.Uniform{C: col}, image.Point{}, draw.Src)
	}
}

// Summarize condenses the SUCCESS records of a whole job, frame order first,
// kind order second, so the summary is deterministic: vehicle counts by type,
// distinct plate texts in first-seen order, and helmet violations joined with
// the plate text read on the same frame.
func Summarize(totalFrames int, byFrame map[int][]ResultRecord) Summary {
	sum := Summary{
		TotalFrames:  totalFrames,
		VehicleTypes: make(map[string]int),
	}
	seenPlates := make(map[string]bool)

	for f := 0; f < totalFrames; f++ {
		var framePlate string
		for _, rec := range byFrame[f] {
			if rec.Status != StatusSuccess {
				continue
			}
			switch rec.Kind {
			case KindVehicle:
				for _, det := range rec.Detections {
					sum.VehicleTypes[det.Label]++
					sum.VehicleCount++
				}
			case KindPlate:
				for _, det := range rec.Detections {
					if det.Text == "" {
						continue
					}
					if framePlate == "" {
						framePlate = det.Text
					}
					if !seenPlates[det.Text] {
						seenPlates[det.Text] = true
						sum.Plates = append(sum.Plates, det.Text)
					}
				}
			}
		}
		for _, rec := range byFrame[f] {
			if rec.Status != StatusSuccess || rec.Kind != KindHelmet {
				continue
			}
			for _, det := range rec.Detections {
				sum.HelmetViolations = append(sum.HelmetViolations, HelmetViolation{
					Plate: framePlate,
					Box:   det.Box,
				})
			}
		}
	}
	if len(sum.VehicleTypes) == 0 {
		sum.VehicleTypes = nil
	}
	return sum
}
