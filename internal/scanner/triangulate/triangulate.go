package triangulate

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/workerpool"
)

// Options tunes the reconstruction pass.
type Options struct {
	Family             scantypes.PatternFamily
	ClippingHalfExtent float64 // mm, 0 uses scantypes.ClippingCubeMM
	OutlierK           int     // neighbours considered per point, 0 uses 20
	OutlierStdDevMul   float64
	OutlierRadiusMM    float64
	VoxelSizeMM        float64 // 0 disables downsampling
	Stripes            int     // row-band count for parallel decode, 0 picks workerpool.DefaultWorkerCount
}

func (o Options) withDefaults() Options {
	if o.ClippingHalfExtent <= 0 {
		o.ClippingHalfExtent = scantypes.ClippingCubeMM
	}
	if o.OutlierK <= 0 {
		o.OutlierK = 20
	}
	if o.OutlierStdDevMul <= 0 {
		o.OutlierStdDevMul = 2.0
	}
	if o.OutlierRadiusMM <= 0 {
		o.OutlierRadiusMM = 10.0
	}
	if o.Stripes <= 0 {
		o.Stripes = workerpool.DefaultWorkerCount()
	}
	return o
}

// usesBitDecode reports whether family is one of the variants that
// replace the window-search DisparityAccumulator with per-pixel binary
// code decoding (see spec's pattern-family variants).
func usesBitDecode(family scantypes.PatternFamily) bool {
	return family == scantypes.FamilyGrayCode || family == scantypes.FamilyBinaryCode
}

// Engine holds the per-session rectification state and runs
// incremental reconstruction passes as pattern slots complete.
type Engine struct {
	rect    *Rectification
	refs    *scantypes.ReferenceFrames
	opts    Options
	pool    *workerpool.Pool
	ownPool bool

	mu sync.Mutex

	// leftState/rightState are populated only for the Gray-code/
	// binary-code bit-decode variant; disparity is populated
	// otherwise (the default progressive family's window-search
	// accumulator).
	leftState    *DecodeState
	rightState   *DecodeState
	disparity    *DisparityAccumulator
	bitsApplied  int
	patternsUsed []int
}

// NewEngine builds a reconstruction engine from calibration and the
// already-captured white/black reference pair. pool is optional: if
// nil, the engine creates and owns a private pool sized to opts.Stripes.
func NewEngine(cal *scantypes.CalibrationSet, refs *scantypes.ReferenceFrames, opts Options, pool *workerpool.Pool) (*Engine, error) {
	rect, err := Prepare(cal)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	e := &Engine{rect: rect, refs: refs, opts: opts, pool: pool}
	if pool == nil {
		e.pool = workerpool.New(opts.Stripes, 0)
		e.ownPool = true
	}

	if usesBitDecode(opts.Family) {
		e.leftState = NewDecodeState(opts.Family, refs, refs.ShadowLeft, rect.Left, 0, scantypes.CameraLeft)
		e.rightState = NewDecodeState(opts.Family, refs, refs.ShadowRight, rect.Right, 0, scantypes.CameraRight)
	} else {
		e.disparity = NewDisparityAccumulator(rect.Left.Width, rect.Left.Height)
	}
	return e, nil
}

// MemoryMB estimates the engine's resident working-set size in
// megabytes, for reporting to a memory governor. The accumulator
// rasters are fixed at the calibrated resolution for the session's
// lifetime, so this is not meaningfully reclaimable mid-scan.
func (e *Engine) MemoryMB() float64 {
	pixels := float64(e.rect.Left.Width * e.rect.Left.Height)
	if e.disparity != nil {
		return pixels * 16 / (1 << 20) // Sum + Weight, one float64 raster each
	}
	return pixels * 10 / (1 << 20) // two cameras' accumulated column + bit state
}

// Close releases the engine's private worker pool, if it owns one.
func (e *Engine) Close() {
	if e.ownPool {
		e.pool.Shutdown(false)
	}
}

// AccumulatePair folds one completed pattern slot's left/right frames
// into the running reconstruction state, splitting each frame into
// row stripes processed concurrently on the worker pool. patternIndex
// is the real pattern index (0 is white, 1 is black, ...), used as-is
// for the progressive family's exponential pattern weighting.
func (e *Engine) AccumulatePair(ctx context.Context, left, right *scantypes.Frame, patternIndex int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	stripes := e.opts.Stripes
	if stripes <= 0 {
		stripes = 1
	}
	bands := rowBands(left.Height, stripes)

	var ids []workerpool.TaskID
	for _, b := range bands {
		y0, y1 := b.y0, b.y1
		id, err := e.pool.Submit(ctx, func(ctx context.Context) (any, error) {
			if e.leftState != nil {
				e.leftState.accumulateRows(left, y0, y1)
				e.rightState.accumulateRows(right, y0, y1)
			} else {
				e.disparity.AccumulateRows(left, right, e.refs.ShadowLeft, e.refs.ShadowRight, e.rect.Left, e.rect.Right, patternIndex, y0, y1)
			}
			return nil, nil
		})
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		if _, err := e.pool.Await(id, 0); err != nil {
			return err
		}
	}

	e.bitsApplied++
	e.patternsUsed = append(e.patternsUsed, patternIndex)
	return nil
}

type rowBand struct{ y0, y1 int }

// rowBands splits [0, height) into up to stripes contiguous bands.
func rowBands(height, stripes int) []rowBand {
	if stripes <= 0 {
		stripes = 1
	}
	rowsPer := (height + stripes - 1) / stripes
	var bands []rowBand
	for s := 0; s < stripes; s++ {
		y0 := s * rowsPer
		y1 := y0 + rowsPer
		if y0 >= height {
			break
		}
		if y1 > height {
			y1 = height
		}
		bands = append(bands, rowBand{y0, y1})
	}
	return bands
}

// Reconstruct runs matching, reprojection, clipping, outlier removal,
// and voxel downsampling over however many patterns have been
// accumulated so far, returning a new cloud each call. Later calls
// return clouds that only gain points, never lose confirmed ones, as
// long as no outlier/voxel pass reshuffles membership; callers treat
// each result as the current best estimate, not a diff.
func (e *Engine) Reconstruct() *scantypes.PointCloud {
	e.mu.Lock()
	defer e.mu.Unlock()

	var points []scantypes.Point3D
	if e.leftState != nil {
		left := e.leftState.Finish()
		right := e.rightState.Finish()
		matches := MatchRows(left, right, e.bitsApplied)
		points = Reproject(matches, e.rect.Q)
	} else {
		disp := e.disparity.Finalize()
		points = ReprojectDisparityMap(disp, e.disparity.Weight, e.disparity.Width, e.disparity.Height, e.rect.Q)
	}

	points = ClipToCube(points, e.opts.ClippingHalfExtent)
	if e.opts.OutlierK > 0 {
		points = RemoveStatisticalOutliers(points, e.opts.OutlierK, e.opts.OutlierStdDevMul, e.opts.OutlierRadiusMM)
	}
	if e.opts.VoxelSizeMM > 0 {
		points = VoxelDownsample(points, e.opts.VoxelSizeMM)
	}

	patterns := append([]int(nil), e.patternsUsed...)
	sort.Ints(patterns)

	return &scantypes.PointCloud{Points: points, PatternsUse: patterns}
}
