package triangulate

import "github.com/banshee-data/scanclient/internal/scanner/scantypes"

// ComputeShadowMask derives a per-camera visibility mask from the
// white/black reference pair: a pixel is lit when the white frame
// exceeds the black frame by more than ShadowThreshold.
func ComputeShadowMask(white, black *scantypes.Frame) *scantypes.ShadowMask {
	m := &scantypes.ShadowMask{
		Width:  white.Width,
		Height: white.Height,
		Bits:   make([]bool, white.Width*white.Height),
	}
	for y := 0; y < white.Height; y++ {
		for x := 0; x < white.Width; x++ {
			w := int(white.At(x, y))
			b := int(black.At(x, y))
			m.Bits[y*white.Width+x] = w-b > scantypes.ShadowThreshold
		}
	}
	return m
}
