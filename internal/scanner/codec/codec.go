// Package codec decodes multipart scanner frames: a JSON header record
// plus a JPEG payload.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

// Decode errors.
var (
	ErrUnsupportedFormat = errors.New("codec: unsupported format")
	ErrMalformedHeader   = errors.New("codec: malformed header")
	ErrDecodeFailed      = errors.New("codec: decode failed")
)

// wireHeader mirrors the multipart JSON header record. Fields are
// pointers/omitempty so we can tell "absent" from "zero value".
type wireHeader struct {
	Camera          *int     `json:"camera"`
	Timestamp       *float64 `json:"timestamp"`
	Format          *string  `json:"format"`
	PatternIndex    *int     `json:"pattern_index,omitempty"`
	PatternName     string   `json:"pattern_name,omitempty"`
	ScanID          string   `json:"scan_id,omitempty"`
	IsScanFrame     bool     `json:"is_scan_frame,omitempty"`
	ServerTimestamp *float64 `json:"server_timestamp,omitempty"`
	TotalPatterns   int      `json:"total_patterns,omitempty"`
	Progress        float64  `json:"progress,omitempty"`
}

// Decode parses a header buffer and a payload buffer into a Frame and
// FrameHeader. It never panics: any malformed input yields a typed
// error.
func Decode(headerBytes, payload []byte) (*scantypes.Frame, *scantypes.FrameHeader, error) {
	hdr, err := parseHeader(headerBytes)
	if err != nil {
		return nil, nil, err
	}

	if *hdr.Format != "jpeg" {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, *hdr.Format)
	}

	frame, err := decodeJPEG(payload, *hdr.Timestamp)
	if err != nil {
		return nil, nil, err
	}

	patternIndex := -1
	if hdr.PatternIndex != nil {
		patternIndex = *hdr.PatternIndex
	}

	fh := &scantypes.FrameHeader{
		Camera:           scantypes.Camera(*hdr.Camera),
		PatternIndex:     patternIndex,
		ScanID:           hdr.ScanID,
		CaptureTimestamp: *hdr.Timestamp,
		Format:           *hdr.Format,
		PatternName:      hdr.PatternName,
		IsScanFrame:      hdr.IsScanFrame,
		TotalPatterns:    hdr.TotalPatterns,
		Progress:         hdr.Progress,
	}
	if hdr.ServerTimestamp != nil {
		fh.ServerTimestamp = *hdr.ServerTimestamp
		fh.HasServerTime = true
	}

	return frame, fh, nil
}

// parseHeader validates presence of the mandatory fields (camera,
// timestamp, format) before anything else runs, satisfying P8: a
// header missing any of them fails fast with no further allocation.
func parseHeader(headerBytes []byte) (*wireHeader, error) {
	var hdr wireHeader
	if err := json.Unmarshal(headerBytes, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if hdr.Camera == nil {
		return nil, fmt.Errorf("%w: missing camera", ErrMalformedHeader)
	}
	if hdr.Timestamp == nil {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedHeader)
	}
	if hdr.Format == nil {
		return nil, fmt.Errorf("%w: missing format", ErrMalformedHeader)
	}
	return &hdr, nil
}

func decodeJPEG(payload []byte, timestamp float64) (*scantypes.Frame, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailed)
	}

	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}

	return framify(img, timestamp)
}

// framify preserves whatever channel count the payload carries (1 or
// 3); no automatic colour-space conversion happens here.
func framify(img image.Image, timestamp float64) (*scantypes.Frame, error) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: empty image bounds", ErrDecodeFailed)
	}

	switch src := img.(type) {
	case *image.Gray:
		return &scantypes.Frame{
			Width: w, Height: h, Channels: 1,
			Pixels:    append([]byte(nil), src.Pix...),
			Timestamp: timestamp,
		}, nil
	case *image.YCbCr:
		pix := make([]byte, w*h*3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := src.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				i := (y*w + x) * 3
				pix[i] = byte(r >> 8)
				pix[i+1] = byte(g >> 8)
				pix[i+2] = byte(b >> 8)
			}
		}
		return &scantypes.Frame{
			Width: w, Height: h, Channels: 3,
			Pixels:    pix,
			Timestamp: timestamp,
		}, nil
	default:
		pix := make([]byte, w*h*3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				i := (y*w + x) * 3
				pix[i] = byte(r >> 8)
				pix[i+1] = byte(g >> 8)
				pix[i+2] = byte(b >> 8)
			}
		}
		return &scantypes.Frame{
			Width: w, Height: h, Channels: 3,
			Pixels:    pix,
			Timestamp: timestamp,
		}, nil
	}
}
