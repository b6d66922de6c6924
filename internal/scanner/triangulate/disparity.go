package triangulate

import (
	"math/bits"
	"sort"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

// DecodedColumns holds, per rectified pixel, the decoded projector
// column (or -1 where the pixel is shadowed or never resolved to a
// valid code) and the number of pattern bits that contributed to it.
type DecodedColumns struct {
	Width, Height int
	Column        []int32
	BitsUsed      []uint8
}

// DecodeState accumulates one pattern slot's contribution into the
// running per-pixel binary code, following a standard structured-light
// binary decode: each non-reference pattern contributes one bit,
// determined by comparing the rectified pattern frame's intensity to
// the midpoint of the white/black reference at that pixel. Patterns
// are consumed in increasing index order, each refining the
// previously-decoded bits, monotonically refining the estimate.
//
// This is the Gray-code/binary-code variant of the per-pattern update:
// it replaces the window-search DisparityAccumulator with per-pixel
// bit decoding, matching rows by Hamming distance instead of
// intensity-difference window search. The default progressive family
// uses DisparityAccumulator instead.
type DecodeState struct {
	family   scantypes.PatternFamily
	cols     *DecodedColumns
	white    *scantypes.Frame
	black    *scantypes.Frame
	shadow   *scantypes.ShadowMask
	rectify  RectifyMap
	totalBit int // total number of structured-light bits expected this scan
}

// NewDecodeState prepares per-camera decode accumulation state.
func NewDecodeState(family scantypes.PatternFamily, refs *scantypes.ReferenceFrames, shadow *scantypes.ShadowMask, rectify RectifyMap, totalBits int, camera scantypes.Camera) *DecodeState {
	whiteLeft, whiteRight, _ := refs.White.Pair()
	blackLeft, blackRight, _ := refs.Black.Pair()
	white, black := whiteLeft, blackLeft
	if camera == scantypes.CameraRight {
		white, black = whiteRight, blackRight
	}
	return &DecodeState{
		family: family,
		cols: &DecodedColumns{
			Width:    rectify.Width,
			Height:   rectify.Height,
			Column:   make([]int32, rectify.Width*rectify.Height),
			BitsUsed: make([]uint8, rectify.Width*rectify.Height),
		},
		white:    white,
		black:    black,
		shadow:   shadow,
		rectify:  rectify,
		totalBit: totalBits,
	}
}

// Accumulate folds one decoded pattern frame (already known to be bit
// position bitIndex, most-significant bit first) into the running
// per-pixel code.
func (d *DecodeState) Accumulate(pattern *scantypes.Frame, bitIndex int) {
	w, h := d.cols.Width, d.cols.Height
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if d.shadow != nil && !d.shadow.At(x, y) {
				continue
			}
			mx, my := d.rectify.MapX[idx], d.rectify.MapY[idx]
			wv, ok1 := Sample(d.white.Pixels, d.white.Width, d.white.Height, d.white.Channels, mx, my)
			bv, ok2 := Sample(d.black.Pixels, d.black.Width, d.black.Height, d.black.Channels, mx, my)
			pv, ok3 := Sample(pattern.Pixels, pattern.Width, pattern.Height, pattern.Channels, mx, my)
			if !ok1 || !ok2 || !ok3 {
				continue
			}
			mid := (int(wv) + int(bv)) / 2
			var bit int32
			if int(pv) > mid {
				bit = 1
			}
			d.cols.Column[idx] = (d.cols.Column[idx] << 1) | bit
			d.cols.BitsUsed[idx]++
		}
	}
}

// accumulateRows runs Accumulate restricted to output rows [y0, y1),
// used by the stripe-parallel path. pattern is the full captured
// frame; only the rectify map's source coordinates vary per pixel, so
// no row-slicing of the input is needed or correct (a rectified row's
// source sample can come from anywhere in the source frame).
func (d *DecodeState) accumulateRows(pattern *scantypes.Frame, y0, y1 int) {
	w := d.cols.Width
	for y := y0; y < y1; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if d.shadow != nil && !d.shadow.At(x, y) {
				continue
			}
			mx, my := d.rectify.MapX[idx], d.rectify.MapY[idx]
			wv, ok1 := Sample(d.white.Pixels, d.white.Width, d.white.Height, d.white.Channels, mx, my)
			bv, ok2 := Sample(d.black.Pixels, d.black.Width, d.black.Height, d.black.Channels, mx, my)
			pv, ok3 := Sample(pattern.Pixels, pattern.Width, pattern.Height, pattern.Channels, mx, my)
			if !ok1 || !ok2 || !ok3 {
				continue
			}
			mid := (int(wv) + int(bv)) / 2
			var bit int32
			if int(pv) > mid {
				bit = 1
			}
			d.cols.Column[idx] = (d.cols.Column[idx] << 1) | bit
			d.cols.BitsUsed[idx]++
		}
	}
}

// Finish returns a decoded copy of the running state, converting
// Gray-coded bits to natural binary columns when required; the running
// accumulation is left untouched, so Finish may be called after every
// pattern. Pixels with no accumulated bits (shadowed, or never sampled
// in bounds) are marked invalid (-1). Pixels with fewer bits than the
// full sequence keep their partial code, so a cancelled scan still
// yields a cloud from however many patterns completed.
func (d *DecodeState) Finish() *DecodedColumns {
	w, h := d.cols.Width, d.cols.Height
	out := &DecodedColumns{
		Width: w, Height: h,
		Column:   append([]int32(nil), d.cols.Column...),
		BitsUsed: append([]uint8(nil), d.cols.BitsUsed...),
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if int(out.BitsUsed[idx]) == 0 {
				out.Column[idx] = -1
				continue
			}
			if d.family == scantypes.FamilyGrayCode {
				out.Column[idx] = grayToBinary(out.Column[idx])
			}
		}
	}
	return out
}

func grayToBinary(g int32) int32 {
	b := g
	for mask := g >> 1; mask != 0; mask >>= 1 {
		b ^= mask
	}
	return b
}

// MatchResult is one resolved stereo correspondence.
type MatchResult struct {
	LeftX, RightX int
	Row           int
	Disparity     float64
	Confidence    float64
}

// searchWindow bounds how far the matcher looks for the corresponding
// decoded column within a rectified scanline, avoiding runaway matches
// on repeated projector codes far from the true epipolar correspondence.
const searchWindow = 512

// MatchRows finds, for every lit left pixel with a valid decoded
// column, the right-image pixel on the same rectified row minimising
// Hamming distance against the left pixel's code, accepting a match
// only if that distance is below one quarter of bitCount (the number
// of pattern bits folded into both columns). Ties resolve to the
// smallest right-image x, matching a left-to-right scanning
// projector's natural ordering.
func MatchRows(left, right *DecodedColumns, bitCount int) []MatchResult {
	var out []MatchResult
	w, h := left.Width, left.Height
	threshold := float64(bitCount) / 4

	for y := 0; y < h; y++ {
		rowRight := right.Column[y*w : y*w+w]

		for x := 0; x < w; x++ {
			idx := y*w + x
			c := left.Column[idx]
			if c < 0 {
				continue
			}

			lo := x - searchWindow
			if lo < 0 {
				lo = 0
			}
			hi := x + searchWindow + 1
			if hi > w {
				hi = w
			}

			bestDist := bitCount + 1
			bestX := -1
			for xr := lo; xr < hi; xr++ {
				rc := rowRight[xr]
				if rc < 0 {
					continue
				}
				d := bits.OnesCount32(uint32(c) ^ uint32(rc))
				if d < bestDist {
					bestDist = d
					bestX = xr
				}
			}
			if bestX < 0 || float64(bestDist) >= threshold {
				continue
			}
			disp := float64(x - bestX)
			if disp <= 0 {
				continue // non-physical for a left-of-right camera pair
			}
			out = append(out, MatchResult{
				LeftX:      x,
				RightX:     bestX,
				Row:        y,
				Disparity:  disp,
				Confidence: float64(left.BitsUsed[idx]),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Row != out[j].Row {
			return out[i].Row < out[j].Row
		}
		return out[i].LeftX < out[j].LeftX
	})
	return out
}

// disparitySearchSpan is the window (in rectified pixels, left of the
// candidate column) the DisparityAccumulator searches for the
// corresponding right-image pixel, per pattern.
const disparitySearchSpan = 200

// disparityScoreThreshold is the maximum accepted intensity difference
// (0-255 scale) between a candidate pair of rectified pixels.
const disparityScoreThreshold = 50

// DisparityAccumulator holds the running weighted disparity estimate
// for the progressive pattern family: per pixel, a weighted sum of
// disparity observations and the total weight contributed so far.
// Later patterns (higher pattern_index) carry exponentially more
// weight via PatternWeight, reflecting their finer spatial frequency.
type DisparityAccumulator struct {
	Width, Height int
	Sum           []float64
	Weight        []float64
}

// NewDisparityAccumulator allocates a zeroed accumulator sized to one
// rectified raster.
func NewDisparityAccumulator(width, height int) *DisparityAccumulator {
	return &DisparityAccumulator{
		Width:  width,
		Height: height,
		Sum:    make([]float64, width*height),
		Weight: make([]float64, width*height),
	}
}

// PatternWeight is w_p = 2^(pattern_index div 2), computed from the
// real pattern index (not a renumbered bit index), so a cancelled scan
// that skips later patterns still weights the ones it captured
// correctly.
func PatternWeight(patternIndex int) float64 {
	if patternIndex < 0 {
		patternIndex = 0
	}
	return float64(uint64(1) << uint(patternIndex/2))
}

// Accumulate folds one pattern's rectified left/right frames into the
// running disparity estimate: for every lit left pixel, search
// right-image candidates in [max(0, x-disparitySearchSpan), x),
// scoring by rectified intensity difference, and accept the minimum
// score if it is below disparityScoreThreshold.
func (a *DisparityAccumulator) Accumulate(left, right *scantypes.Frame, shadowLeft, shadowRight *scantypes.ShadowMask, rectLeft, rectRight RectifyMap, patternIndex int) {
	w, h := a.Width, a.Height
	weight := PatternWeight(patternIndex)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if shadowLeft != nil && !shadowLeft.At(x, y) {
				continue
			}
			lmx, lmy := rectLeft.MapX[idx], rectLeft.MapY[idx]
			lv, ok := Sample(left.Pixels, left.Width, left.Height, left.Channels, lmx, lmy)
			if !ok {
				continue
			}

			lo := x - disparitySearchSpan
			if lo < 0 {
				lo = 0
			}

			bestScore := 256
			bestXR := -1
			for xr := lo; xr < x; xr++ {
				if shadowRight != nil && !shadowRight.At(xr, y) {
					continue
				}
				ridx := y*w + xr
				rmx, rmy := rectRight.MapX[ridx], rectRight.MapY[ridx]
				rv, ok := Sample(right.Pixels, right.Width, right.Height, right.Channels, rmx, rmy)
				if !ok {
					continue
				}
				score := abs(int(lv) - int(rv))
				if score < bestScore {
					bestScore = score
					bestXR = xr // ascending xr: ties keep the first (smallest) candidate
				}
			}

			if bestXR < 0 || bestScore >= disparityScoreThreshold {
				continue
			}
			d := float64(x - bestXR)
			a.Sum[idx] += d * weight
			a.Weight[idx] += weight
		}
	}
}

// AccumulateRows runs Accumulate restricted to output rows [y0, y1),
// used by the stripe-parallel path. left and right are the full
// captured frames, for the same reason DecodeState.accumulateRows
// samples against the full frame rather than a row-sliced view.
func (a *DisparityAccumulator) AccumulateRows(left, right *scantypes.Frame, shadowLeft, shadowRight *scantypes.ShadowMask, rectLeft, rectRight RectifyMap, patternIndex, y0, y1 int) {
	w := a.Width
	weight := PatternWeight(patternIndex)

	for y := y0; y < y1; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if shadowLeft != nil && !shadowLeft.At(x, y) {
				continue
			}
			lmx, lmy := rectLeft.MapX[idx], rectLeft.MapY[idx]
			lv, ok := Sample(left.Pixels, left.Width, left.Height, left.Channels, lmx, lmy)
			if !ok {
				continue
			}

			lo := x - disparitySearchSpan
			if lo < 0 {
				lo = 0
			}

			bestScore := 256
			bestXR := -1
			for xr := lo; xr < x; xr++ {
				if shadowRight != nil && !shadowRight.At(xr, y) {
					continue
				}
				ridx := y*w + xr
				rmx, rmy := rectRight.MapX[ridx], rectRight.MapY[ridx]
				rv, ok := Sample(right.Pixels, right.Width, right.Height, right.Channels, rmx, rmy)
				if !ok {
					continue
				}
				score := abs(int(lv) - int(rv))
				if score < bestScore {
					bestScore = score
					bestXR = xr
				}
			}

			if bestXR < 0 || bestScore >= disparityScoreThreshold {
				continue
			}
			d := float64(x - bestXR)
			a.Sum[idx] += d * weight
			a.Weight[idx] += weight
		}
	}
}

// Finalize computes disparity = sum/weight (0 where weight is 0), then
// applies a 3x3 median filter restricted to rows where weight was ever
// nonzero.
func (a *DisparityAccumulator) Finalize() []float64 {
	w, h := a.Width, a.Height
	disp := make([]float64, w*h)
	rowLit := make([]bool, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if a.Weight[idx] > 0 {
				disp[idx] = a.Sum[idx] / a.Weight[idx]
				rowLit[y] = true
			}
		}
	}
	return medianFilter3x3(disp, w, h, rowLit)
}

// medianFilter3x3 smooths disp in place (via a fresh output buffer) by
// replacing each pixel in a lit row with the median of its up-to-9
// neighbours (clipped at image edges).
func medianFilter3x3(disp []float64, w, h int, rowLit []bool) []float64 {
	out := make([]float64, len(disp))
	copy(out, disp)

	var window [9]float64
	for y := 0; y < h; y++ {
		if !rowLit[y] {
			continue
		}
		for x := 0; x < w; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				ny := y + dy
				if ny < 0 || ny >= h {
					continue
				}
				for dx := -1; dx <= 1; dx++ {
					nx := x + dx
					if nx < 0 || nx >= w {
						continue
					}
					window[n] = disp[ny*w+nx]
					n++
				}
			}
			out[y*w+x] = medianOf(window[:n])
		}
	}
	return out
}

func medianOf(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
