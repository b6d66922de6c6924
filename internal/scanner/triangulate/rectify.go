// Package triangulate implements the stereo reconstruction engine:
// rectification, disparity search, reprojection, and outlier
// filtering.
package triangulate

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
)

// Calibration/rectification errors.
var (
	ErrMissingParameters   = errors.New("triangulate: missing calibration parameters")
	ErrRectificationFailed = errors.New("triangulate: rectification failed")
)

// RectifyMap holds the per-pixel source coordinates for one camera's
// rectified raster, computed once per session.
type RectifyMap struct {
	Width, Height int
	MapX, MapY    []float32 // source (x, y) for each rectified pixel, row-major
}

// Rectification bundles everything derived from a CalibrationSet once
// per session.
type Rectification struct {
	Left, Right RectifyMap
	Q           [4][4]float64
}

// Prepare computes rectification maps and the reprojection matrix Q
// from a CalibrationSet, using the standard stereo-rectification
// construction: a common rotation that aligns both camera's row axes
// with the baseline (zero-disparity alignment, alpha=0 i.e. no
// letterboxing), following Fusiello's rectification algorithm.
func Prepare(cal *scantypes.CalibrationSet) (*Rectification, error) {
	if cal == nil {
		return nil, ErrMissingParameters
	}
	if cal.ImageWidth <= 0 || cal.ImageHeight <= 0 {
		return nil, ErrMissingParameters
	}

	rRect, err := rectifyingRotation(cal.Translation, cal.Rotation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRectificationFailed, err)
	}

	// Left camera is the reference frame (identity extrinsic); the
	// right camera's extrinsic rotation is composed with R so both
	// share the same rectified orientation.
	rLeft := rRect
	rRight := mulMat3(rRect, cal.Rotation)

	// Shared focal length: average of both cameras' (fx+fy)/2, applied
	// through a common virtual intrinsic matrix so epipolar lines align
	// pixel-for-pixel between the two rectified images.
	fx := (cal.KLeft[0][0] + cal.KRight[0][0]) / 2
	fy := (cal.KLeft[1][1] + cal.KRight[1][1]) / 2
	cx := float64(cal.ImageWidth) / 2
	cy := float64(cal.ImageHeight) / 2
	kNew := [3][3]float64{
		{fx, 0, cx},
		{0, fy, cy},
		{0, 0, 1},
	}

	baseline := vecNorm(cal.Translation)
	if baseline <= 0 {
		return nil, ErrMissingParameters
	}

	left, err := buildRectifyMap(cal.ImageWidth, cal.ImageHeight, cal.KLeft, cal.DistLeft, rLeft, kNew)
	if err != nil {
		return nil, err
	}
	right, err := buildRectifyMap(cal.ImageWidth, cal.ImageHeight, cal.KRight, cal.DistRight, rRight, kNew)
	if err != nil {
		return nil, err
	}

	q := [4][4]float64{
		{1, 0, 0, -cx},
		{0, 1, 0, -cy},
		{0, 0, 0, fx},
		{0, 0, -1 / baseline, 0},
	}

	return &Rectification{Left: left, Right: right, Q: q}, nil
}

// rectifyingRotation builds the common rotation R_rect whose rows are
// the new (x, y, z) axes of the rectified frame: x along the baseline,
// z the average of the two cameras' original optical axes, y
// completing a right-handed frame.
func rectifyingRotation(t [3]float64, r [3][3]float64) ([3][3]float64, error) {
	e1 := t
	n := vecNorm(e1)
	if n == 0 {
		return [3][3]float64{}, ErrMissingParameters
	}
	e1 = scaleVec(e1, 1/n)

	// Average optical axis: left camera's z-axis is (0,0,1); right
	// camera's z-axis in the left frame is R * (0,0,1), the third
	// column of R (R maps right-camera axes into the left frame, the
	// same convention Prepare uses when composing rRight). e3 is that
	// average, orthogonalized against the baseline via Gram-Schmidt.
	rightZ := [3]float64{r[0][2], r[1][2], r[2][2]}
	avgZ := addVec([3]float64{0, 0, 1}, rightZ)
	e3 := addVec(avgZ, scaleVec(e1, -dotVec(avgZ, e1)))
	e3n := vecNorm(e3)
	if e3n < 1e-9 {
		// Baseline nearly parallel to the average optical axis; fall
		// back to the world up vector to stay well-conditioned.
		e3 = addVec([3]float64{0, 0, 1}, scaleVec(e1, -dotVec([3]float64{0, 0, 1}, e1)))
		e3n = vecNorm(e3)
		if e3n < 1e-9 {
			return [3][3]float64{}, ErrRectificationFailed
		}
	}
	e3 = scaleVec(e3, 1/e3n)
	e2 := crossVec(e3, e1)

	return [3][3]float64{
		{e1[0], e1[1], e1[2]},
		{e2[0], e2[1], e2[2]},
		{e3[0], e3[1], e3[2]},
	}, nil
}

// buildRectifyMap inverts the rectified pinhole projection and
// reapplies the original lens distortion, following the standard
// initUndistortRectifyMap construction: for each rectified pixel,
// unproject through the new intrinsics, rotate back into the original
// camera frame, distort, then reproject through the original
// intrinsics to find the source sampling coordinate.
func buildRectifyMap(w, h int, k [3][3]float64, dist [5]float64, rRect, kNew [3][3]float64) (RectifyMap, error) {
	kNewInv, ok := invert3(kNew)
	if !ok {
		return RectifyMap{}, ErrRectificationFailed
	}
	rRectT := transpose3(rRect)

	m := RectifyMap{Width: w, Height: h, MapX: make([]float32, w*h), MapY: make([]float32, w*h)}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ray := mulVec3(kNewInv, [3]float64{float64(x), float64(y), 1})
			ray = mulVec3(rRectT, ray)
			if ray[2] == 0 {
				continue
			}
			xn, yn := ray[0]/ray[2], ray[1]/ray[2]

			xd, yd := distort(xn, yn, dist)

			srcX := k[0][0]*xd + k[0][2]
			srcY := k[1][1]*yd + k[1][2]

			idx := y*w + x
			m.MapX[idx] = float32(srcX)
			m.MapY[idx] = float32(srcY)
		}
	}
	return m, nil
}

// distort applies the standard 5-coefficient radial/tangential model:
// (k1, k2, p1, p2, k3).
func distort(xn, yn float64, d [5]float64) (float64, float64) {
	k1, k2, p1, p2, k3 := d[0], d[1], d[2], d[3], d[4]
	r2 := xn*xn + yn*yn
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1 + k1*r2 + k2*r4 + k3*r6
	xd := xn*radial + 2*p1*xn*yn + p2*(r2+2*xn*xn)
	yd := yn*radial + p1*(r2+2*yn*yn) + 2*p2*xn*yn
	return xd, yd
}

// Sample bilinearly samples frame intensity at floating-point
// coordinates, returning (0, false) if out of bounds.
func Sample(pixels []byte, width, height, channels int, x, y float32) (byte, bool) {
	if x < 0 || y < 0 || x >= float32(width-1) || y >= float32(height-1) {
		return 0, false
	}
	x0, y0 := int(x), int(y)
	fx, fy := x-float32(x0), y-float32(y0)

	at := func(px, py int) float32 {
		return float32(pixels[(py*width+px)*channels])
	}

	top := at(x0, y0)*(1-fx) + at(x0+1, y0)*fx
	bottom := at(x0, y0+1)*(1-fx) + at(x0+1, y0+1)*fx
	v := top*(1-fy) + bottom*fy
	return byte(v + 0.5), true
}

// --- small vector/matrix helpers (3-vectors and 3x3 matrices) ---

func vecNorm(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}

func scaleVec(v [3]float64, s float64) [3]float64 {
	return [3]float64{v[0] * s, v[1] * s, v[2] * s}
}

func addVec(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

func dotVec(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func crossVec(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func mulVec3(m [3][3]float64, v [3]float64) [3]float64 {
	return [3]float64{
		m[0][0]*v[0] + m[0][1]*v[1] + m[0][2]*v[2],
		m[1][0]*v[0] + m[1][1]*v[1] + m[1][2]*v[2],
		m[2][0]*v[0] + m[2][1]*v[1] + m[2][2]*v[2],
	}
}

func mulMat3(a, b [3][3]float64) [3][3]float64 {
	am := mat.NewDense(3, 3, flatten3(a))
	bm := mat.NewDense(3, 3, flatten3(b))
	var res mat.Dense
	res.Mul(am, bm)
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = res.At(i, j)
		}
	}
	return out
}

func transpose3(m [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[j][i] = m[i][j]
		}
	}
	return out
}

func flatten3(m [3][3]float64) []float64 {
	return []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	}
}

func invert3(m [3][3]float64) ([3][3]float64, bool) {
	d := mat.NewDense(3, 3, flatten3(m))
	var inv mat.Dense
	if err := inv.Inverse(d); err != nil {
		return [3][3]float64{}, false
	}
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, true
}
