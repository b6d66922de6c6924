// Package orchestrator drives one scan session's state machine: clock
// calibration, pattern prefetch, the SYNC_PATTERN capture loop, and
// cancellation, all speaking the scanner's control wire protocol.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/scanclient/internal/monitoring"
	"github.com/banshee-data/scanclient/internal/scanner/controllink"
	"github.com/banshee-data/scanclient/internal/scanner/framestore"
	"github.com/banshee-data/scanclient/internal/scanner/memgov"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/triangulate"
	"github.com/banshee-data/scanclient/internal/scanner/workerpool"
	"github.com/banshee-data/scanclient/internal/timeutil"
)

// State enumerates the scan session lifecycle.
type State int

const (
	StateIdle State = iota
	StateCalibrating
	StatePrefetching
	StateProjecting
	StateAwaiting
	StateFinalising
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalibrating:
		return "calibrating"
	case StatePrefetching:
		return "prefetching"
	case StateProjecting:
		return "projecting"
	case StateAwaiting:
		return "awaiting"
	case StateFinalising:
		return "finalising"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Orchestrator-level errors.
var (
	ErrAlreadyRunning = errors.New("orchestrator: scan already running")
	ErrNotRunning     = errors.New("orchestrator: no scan running")
	ErrAborted        = errors.New("orchestrator: scan aborted")
)

// Wire commands, per the scanner's control protocol. Every command
// gets exactly one reply; Link enforces that turn discipline.
const (
	cmdPing             = "PING"
	cmdSyncConfig       = "SYNC_CONFIG"
	cmdSyncPattern      = "SYNC_PATTERN"
	cmdPrefetchPatterns = "PREFETCH_PATTERNS"
	cmdPrefetchPattern  = "PREFETCH_PATTERN"
	cmdStopStream       = "STOP_STREAM"
)

// backpressureHighMultiple and backpressureLowMultiple are expressed
// as multiples of worker count W: pause issuing new SYNC_PATTERN
// commands above 4×W queued tasks, resume below 2×W.
const (
	backpressureHighMultiple = 4
	backpressureLowMultiple  = 2
)

// baseTimeout bounds commands outside the per-pattern loop (PING,
// SYNC_CONFIG, PREFETCH_PATTERNS). maxTimeout caps the adaptive
// per-pattern timeout derived from calibrated RTT.
const (
	baseTimeout = 500 * time.Millisecond
	maxTimeout  = 5 * time.Second
)

// defaultBaselineRTT is substituted when clock calibration fails
// outright, per the documented failure policy: continue scanning with
// a conservative baseline rather than aborting the session.
const defaultBaselineRTT = 50 * time.Millisecond

// calibrationSamples PINGs, spaced calibrationSpacing apart, are used
// to estimate baseline round-trip time; the minimum observed RTT (not
// the mean) is kept, since later samples can only be inflated by
// scheduling jitter on either end.
const (
	calibrationSamples = 3
	calibrationSpacing = 50 * time.Millisecond
)

// baseStabilization is the nominal per-pattern projector settle time;
// a SYNC_PATTERN reply's projection_time_ms shortens it, floored at
// minStabilization so the camera never samples before the projector
// has physically settled.
const (
	baseStabilization = 200 * time.Millisecond
	minStabilization  = 50 * time.Millisecond
)

// defaultLookAhead patterns are requested via PREFETCH_PATTERN ahead
// of the index currently being synced.
const defaultLookAhead = 4

// cancelLatencyBudget is the cancellation latency the capture loop's
// polling is sized for, from Cancel to STOP_STREAM and Cancelled. No
// code path applies it as a timeout: Cancel waits until Start returns.
const cancelLatencyBudget = 500 * time.Millisecond

// ProgressEvent is published after each scan pattern (index 2 and up)
// is folded into the reconstruction; reference patterns 0 and 1, and
// patterns whose accumulation fails, publish none.
type ProgressEvent struct {
	PatternIndex  int
	TotalPatterns int
	Cloud         *scantypes.PointCloud
}

// Config bundles everything one scan invocation needs.
type Config struct {
	ScanID        string
	TotalPatterns int
	LookAhead     int // patterns to prefetch ahead of the current index; 0 uses defaultLookAhead
	Family        scantypes.PatternFamily
	Calibration   *scantypes.CalibrationSet
	OnProgress    func(ProgressEvent)
	OnError       func(error)
}

// Orchestrator wires the control link, frame store, worker pool, and
// triangulation engine together to drive one scan session at a time.
type Orchestrator struct {
	link  *controllink.Link
	store *framestore.Store
	pool  *workerpool.Pool
	clock timeutil.Clock
	mem   *memgov.Governor

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	running     sync.WaitGroup
	clockOffset time.Duration
}

// New builds an Orchestrator from its already-connected collaborators.
// mem may be nil, in which case the triangulator's working set is
// simply never reported to a governor.
func New(link *controllink.Link, store *framestore.Store, pool *workerpool.Pool, clock timeutil.Clock, mem *memgov.Governor) *Orchestrator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Orchestrator{link: link, store: store, pool: pool, clock: clock, mem: mem, state: StateIdle}
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Start runs one full scan to completion (or cancellation/failure),
// blocking the calling goroutine. Callers that want a session-level
// async API wrap this in their own goroutine (see the session
// package).
func (o *Orchestrator) Start(ctx context.Context, cfg Config) (*scantypes.PointCloud, error) {
	o.mu.Lock()
	if o.state != StateIdle && o.state != StateCompleted && o.state != StateFailed && o.state != StateCancelled {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.state = StateCalibrating
	o.mu.Unlock()

	o.running.Add(1)
	defer o.running.Done()
	defer func() {
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	rtt, err := o.calibrateClock(runCtx)
	if err != nil {
		// Only an aborted context reaches here: calibrateClock absorbs
		// link failures into the default-baseline fallback instead of
		// failing the scan.
		o.setState(StateCancelled)
		return nil, err
	}

	o.prefetchPatterns(runCtx, cfg)

	cloud, err := o.captureLoop(runCtx, cfg, rtt)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			o.sendStopStream()
			o.setState(StateCancelled)
		} else {
			o.setState(StateFailed)
			o.reportErr(cfg, err)
		}
		return cloud, err
	}

	o.setState(StateFinalising)
	o.setState(StateCompleted)
	return cloud, nil
}

// Cancel requests the in-progress scan stop, returning once the
// cancellation has been observed (within cancelLatencyBudget in
// practice, since captureLoop polls ctx.Done() between every pattern).
// The STOP_STREAM handshake itself is sent by Start's own goroutine
// once it observes the abort, since the link tolerates only one
// caller at a time and Cancel runs on a different goroutine than
// whichever send/receive pair is in flight.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	o.running.Wait()
	return nil
}

func (o *Orchestrator) reportErr(cfg Config, err error) {
	if cfg.OnError != nil {
		cfg.OnError(err)
	}
}

// sendStopStream best-efforts the STOP_STREAM handshake; a failure
// here doesn't change the outcome, since the session is cancelling
// either way, but it still gets the server's stream out of a running
// state as promptly as cancelLatencyBudget allows.
func (o *Orchestrator) sendStopStream() {
	const stopTimeout = 300 * time.Millisecond
	if err := o.link.Send(cmdStopStream, nil, stopTimeout); err != nil {
		monitoring.Logf("orchestrator: stop_stream failed: %v", err)
		return
	}
	if _, err := o.link.Receive(stopTimeout); err != nil {
		monitoring.Logf("orchestrator: stop_stream reply failed: %v", err)
	}
}

// calibrateClock sends three PINGs spaced calibrationSpacing apart,
// keeps the minimum observed round trip as the baseline, and derives
// the clock offset from the reply carrying the closest RTT before
// sending SYNC_CONFIG. A failed round never aborts the scan: it logs
// and falls back to defaultBaselineRTT, matching the documented
// failure policy for this step.
func (o *Orchestrator) calibrateClock(ctx context.Context) (time.Duration, error) {
	o.setState(StateCalibrating)

	minRTT := time.Duration(-1)
	var offset time.Duration

	for i := 0; i < calibrationSamples; i++ {
		if ctx.Err() != nil {
			return 0, ErrAborted
		}

		sendTime := o.clock.Now()
		if err := o.link.Send(cmdPing, nil, baseTimeout); err != nil {
			monitoring.Logf("orchestrator: clock calibration ping %d failed: %v", i, err)
		} else if reply, err := o.link.Receive(baseTimeout); err != nil {
			monitoring.Logf("orchestrator: clock calibration ping %d failed: %v", i, err)
		} else {
			rtt := o.clock.Since(sendTime)
			if minRTT < 0 || rtt < minRTT {
				minRTT = rtt
				if ts, ok := reply.Fields["timestamp"].(float64); ok {
					sendSecs := float64(sendTime.UnixNano()) / 1e9
					offset = time.Duration((ts - (sendSecs + rtt.Seconds()/2)) * float64(time.Second))
				}
			}
		}

		if i < calibrationSamples-1 {
			select {
			case <-ctx.Done():
				return 0, ErrAborted
			case <-o.clock.After(calibrationSpacing):
			}
		}
	}

	if minRTT < 0 {
		monitoring.Logf("orchestrator: clock calibration failed on all %d samples, using default baseline RTT", calibrationSamples)
		minRTT = defaultBaselineRTT
	}
	o.clockOffset = offset

	if err := o.link.Send(cmdSyncConfig, map[string]any{
		"baseline_rtt_ms":  float64(minRTT.Milliseconds()),
		"client_timestamp": float64(o.clock.Now().UnixNano()) / 1e9,
	}, baseTimeout); err != nil {
		monitoring.Logf("orchestrator: sync_config failed: %v", err)
		return minRTT, nil
	}
	if _, err := o.link.Receive(baseTimeout); err != nil {
		monitoring.Logf("orchestrator: sync_config reply failed: %v", err)
	}
	return minRTT, nil
}

// prefetchPatterns asks the scanner to stage every pattern for the
// session up front. Best-effort: per the documented failure policy,
// a failure here is logged and ignored.
func (o *Orchestrator) prefetchPatterns(ctx context.Context, cfg Config) {
	o.setState(StatePrefetching)
	if ctx.Err() != nil {
		return
	}
	if err := o.link.Send(cmdPrefetchPatterns, map[string]any{"count": cfg.TotalPatterns}, baseTimeout); err != nil {
		monitoring.Logf("orchestrator: prefetch_patterns failed: %v", err)
		return
	}
	if _, err := o.link.Receive(baseTimeout); err != nil {
		monitoring.Logf("orchestrator: prefetch_patterns reply failed: %v", err)
	}
}

// captureLoop issues SYNC_PATTERN for every pattern index 0..N-1 (0 is
// white, 1 is black, the rest alternate families), folding reference
// capture into the same loop rather than a separate step. Once both
// reference slots are complete, the triangulation engine is built
// lazily and every subsequent pattern is folded into its running
// reconstruction.
func (o *Orchestrator) captureLoop(ctx context.Context, cfg Config, rtt time.Duration) (*scantypes.PointCloud, error) {
	timeout := adaptiveTimeout(rtt)

	workers := workerpool.DefaultWorkerCount()
	highWatermark := workers * backpressureHighMultiple
	lowWatermark := workers * backpressureLowMultiple
	paused := false

	lookAhead := cfg.LookAhead
	if lookAhead <= 0 {
		lookAhead = defaultLookAhead
	}

	var engine *triangulate.Engine
	defer func() {
		if engine != nil {
			if o.mem != nil {
				o.mem.Unregister("triangulator")
			}
			engine.Close()
		}
	}()

	var cloud *scantypes.PointCloud
	for i := 0; i < cfg.TotalPatterns; i++ {
		if ctx.Err() != nil {
			return cloud, ErrAborted
		}

		if o.pool.QueueLen() > highWatermark {
			paused = true
		}
		for paused {
			monitoring.Logf("orchestrator: pausing pattern issuance, queue depth %d", o.pool.QueueLen())
			select {
			case <-ctx.Done():
				return cloud, ErrAborted
			case <-o.clock.After(50 * time.Millisecond):
			}
			if o.pool.QueueLen() < lowWatermark {
				paused = false
			}
		}

		o.setState(StateProjecting)
		projectionTime, err := o.syncPattern(i, timeout)
		if err != nil {
			// Retry once, then reset the link and skip this pattern
			// entirely, per the documented failure policy.
			projectionTime, err = o.syncPattern(i, timeout)
			if err != nil {
				monitoring.Logf("orchestrator: pattern %d sync failed twice, resetting link: %v", i, err)
				if rerr := o.link.Reset(); rerr != nil {
					return cloud, fmt.Errorf("orchestrator: link reset after pattern %d failure: %w", i, rerr)
				}
				continue
			}
		}

		// "Asynchronously" here means issued without blocking the
		// stabilisation sleep below, not as a goroutine sharing the
		// link concurrently: Link permits only one caller at a time,
		// so the prefetch request is sent and replied to in line,
		// before the wait it's meant to overlap with begins.
		o.prefetchPattern(i+lookAhead, timeout)

		o.setState(StateAwaiting)
		stabilization := baseStabilization - projectionTime
		if stabilization < minStabilization {
			stabilization = minStabilization
		}
		select {
		case <-ctx.Done():
			return cloud, ErrAborted
		case <-o.clock.After(stabilization):
		}

		if err := o.waitForPair(ctx, i, timeout); err != nil {
			return cloud, err
		}

		if i == 1 {
			e, err := o.buildEngine(cfg)
			if err != nil {
				return cloud, err
			}
			engine = e
			if o.mem != nil {
				o.mem.Register("triangulator", engine.MemoryMB(), memgov.KindTriangulator, 7, nil)
			}
		}

		if i >= 2 && engine != nil {
			left, right, ok := o.store.Pair(i)
			if ok {
				if err := engine.AccumulatePair(ctx, left, right, i); err != nil {
					monitoring.Logf("orchestrator: triangulation task for pattern %d failed: %v", i, err)
				} else {
					cloud = engine.Reconstruct()
					if o.mem != nil {
						o.mem.UpdateSize("triangulator", engine.MemoryMB())
					}
					if cfg.OnProgress != nil {
						cfg.OnProgress(ProgressEvent{PatternIndex: i, TotalPatterns: cfg.TotalPatterns, Cloud: cloud})
					}
				}
			}
		}

		o.store.Reclaim(o.store.DefaultKeepSet(4))
	}

	if engine != nil {
		cloud = engine.Reconstruct()
	}
	return cloud, nil
}

// buildEngine derives the shadow masks from the now-complete white and
// black reference slots (indices 0 and 1) and constructs the
// triangulation engine for the remaining patterns.
func (o *Orchestrator) buildEngine(cfg Config) (*triangulate.Engine, error) {
	white, _ := o.store.Slot(0)
	black, _ := o.store.Slot(1)
	wl, wr, _ := white.Pair()
	bl, br, _ := black.Pair()

	shadowLeft := triangulate.ComputeShadowMask(wl, bl)
	shadowRight := triangulate.ComputeShadowMask(wr, br)

	return triangulate.NewEngine(cfg.Calibration, &scantypes.ReferenceFrames{
		White: white, Black: black, ShadowLeft: shadowLeft, ShadowRight: shadowRight,
	}, triangulate.Options{Family: cfg.Family}, o.pool)
}

// syncPattern issues SYNC_PATTERN for index and returns the projector's
// reported projection_time_ms as a duration, used to shorten the
// stabilisation wait that follows.
func (o *Orchestrator) syncPattern(index int, timeout time.Duration) (time.Duration, error) {
	payload := map[string]any{
		"pattern_index":   index,
		"priority":        "high",
		"adaptive_timing": true,
		"prefetch_next":   true,
	}
	if err := o.link.Send(cmdSyncPattern, payload, timeout); err != nil {
		return 0, err
	}
	reply, err := o.link.Receive(timeout)
	if err != nil {
		return 0, err
	}
	if reply.Status == "error" {
		return 0, fmt.Errorf("orchestrator: sync_pattern %d: %s", index, reply.Message)
	}
	ms, _ := reply.Fields["projection_time_ms"].(float64)
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// prefetchPattern best-effort requests index be staged ahead of time.
// Failures are logged and ignored, per the documented prefetch failure
// policy.
func (o *Orchestrator) prefetchPattern(index int, timeout time.Duration) {
	payload := map[string]any{
		"pattern_index": index,
		"priority":      "low",
		"async":         true,
	}
	if err := o.link.Send(cmdPrefetchPattern, payload, timeout); err != nil {
		monitoring.Logf("orchestrator: prefetch_pattern %d failed: %v", index, err)
		return
	}
	if _, err := o.link.Receive(timeout); err != nil {
		monitoring.Logf("orchestrator: prefetch_pattern %d reply failed: %v", index, err)
	}
}

// adaptiveTimeout bounds the per-pattern wait at max(50ms, 2×rtt),
// capped at maxTimeout.
func adaptiveTimeout(rtt time.Duration) time.Duration {
	t := 2 * rtt
	if t < 50*time.Millisecond {
		t = 50 * time.Millisecond
	}
	if t > maxTimeout {
		t = maxTimeout
	}
	return t
}

func (o *Orchestrator) waitForPair(ctx context.Context, index int, timeout time.Duration) error {
	deadline := o.clock.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			return ErrAborted
		}
		if o.store.HasPair(index) {
			return nil
		}
		if o.clock.Now().After(deadline) {
			return fmt.Errorf("orchestrator: pattern %d never completed within %s", index, timeout)
		}
		o.clock.Sleep(5 * time.Millisecond)
	}
}
