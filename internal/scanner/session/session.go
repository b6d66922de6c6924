// Package session implements the top-level scan session supervisor:
// it owns construction-time wiring of every other component and
// exposes the small public surface a UI or CLI talks to.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanclient/internal/monitoring"
	"github.com/banshee-data/scanclient/internal/scanner/codec"
	"github.com/banshee-data/scanclient/internal/scanner/controllink"
	"github.com/banshee-data/scanclient/internal/scanner/framestore"
	"github.com/banshee-data/scanclient/internal/scanner/memgov"
	"github.com/banshee-data/scanclient/internal/scanner/orchestrator"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/streamlink"
	"github.com/banshee-data/scanclient/internal/scanner/workerpool"
	"github.com/banshee-data/scanclient/internal/timeutil"
)

// EventKind enumerates what subscribe() callbacks may receive.
type EventKind string

const (
	EventPreview          EventKind = "preview"
	EventScanProgress     EventKind = "scan_progress"
	EventPointCloudUpdate EventKind = "point_cloud_updated"
	EventError            EventKind = "error"
)

// Event is published to every subscriber.
type Event struct {
	Kind  EventKind
	Scan  string
	Frame *scantypes.Frame
	Cloud *scantypes.PointCloud
	Err   error
}

// Subscriber receives events on the publishing goroutine; it must not
// block for long. publish calls every subscriber synchronously, in
// registration order, with no per-subscriber queue and no dropping, so
// a slow subscriber delays the publisher and every later subscriber.
type Subscriber func(Event)

// Config configures one Session for its lifetime.
type Config struct {
	ControlEndpoint string
	StreamEndpoint  string
	Calibration     *scantypes.CalibrationSet
	Family          scantypes.PatternFamily
	MemoryBudgetMB  float64
	FrameStoreCap   int
	WorkerCount     int
}

func (c Config) withDefaults() Config {
	if c.MemoryBudgetMB <= 0 {
		c.MemoryBudgetMB = 2048
	}
	if c.FrameStoreCap <= 0 {
		c.FrameStoreCap = framestore.DefaultCapacity
	}
	if c.Family == "" {
		c.Family = scantypes.FamilyGrayCode
	}
	return c
}

// keepaliveInterval and keepaliveMaxMisses govern the Session's own
// PING heartbeat, sent whenever no scan owns the control link.
const (
	keepaliveInterval  = 2 * time.Second
	keepaliveMaxMisses = 5
	keepaliveTimeout   = 500 * time.Millisecond
)

// Session wires together the control link, stream link, frame store,
// worker pool, memory governor, and orchestrator, and fans decoded
// frames and scan events out to subscribers.
type Session struct {
	cfg   Config
	clock timeutil.Clock

	control *controllink.Link
	stream  *streamlink.Link
	store   *framestore.Store
	pool    *workerpool.Pool
	mem     *memgov.Governor
	orch    *orchestrator.Orchestrator

	mu              sync.Mutex
	subscribers     []Subscriber
	latest          *scantypes.PointCloud
	scanID          string
	running         bool
	stats           *statsRecorder
	keepaliveMisses int
	keepaliveStop   chan struct{}
	keepaliveDone   chan struct{}
}

// New builds a Session with real network dialers. Tests construct the
// collaborators directly and assemble a Session by hand instead of
// calling New, preferring explicit wiring over a test-only constructor
// variant.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	clock := timeutil.RealClock{}

	pool := workerpool.New(cfg.WorkerCount, 0)
	store := framestore.New(cfg.FrameStoreCap)
	control := controllink.New()
	mem := memgov.New(cfg.MemoryBudgetMB, nil, clock)
	orch := orchestrator.New(control, store, pool, clock, mem)

	s := &Session{
		cfg: cfg, clock: clock,
		control: control, store: store, pool: pool, mem: mem, orch: orch,
		stats:         newStatsRecorder(64),
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	s.stream = streamlink.New(sessionSink{s: s}, streamlink.Config{})
	mem.Register("frame_store", 0, memgov.KindFrameStore, 5, func(string) {
		store.Reclaim(store.DefaultKeepSet(2))
	})
	go s.runKeepalive()
	return s
}

// runKeepalive sends PING at keepaliveInterval whenever no scan is
// actively using the control link: the orchestrator is the link's sole
// user during a scan, and Link rejects a second concurrent caller, so
// the heartbeat steps aside while s.running is true. Five consecutive
// missed replies reset the link, per the documented session policy.
func (s *Session) runKeepalive() {
	ticker := s.clock.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	defer close(s.keepaliveDone)
	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C():
			s.keepaliveTick()
		}
	}
}

func (s *Session) keepaliveTick() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return
	}

	if err := s.control.Send("PING", map[string]any{"keepalive": true}, keepaliveTimeout); err != nil {
		s.recordKeepaliveMiss()
		return
	}
	if _, err := s.control.Receive(keepaliveTimeout); err != nil {
		s.recordKeepaliveMiss()
		return
	}
	s.mu.Lock()
	s.keepaliveMisses = 0
	s.mu.Unlock()
}

func (s *Session) recordKeepaliveMiss() {
	s.mu.Lock()
	s.keepaliveMisses++
	misses := s.keepaliveMisses
	s.mu.Unlock()
	if misses < keepaliveMaxMisses {
		return
	}
	monitoring.Logf("session: %d consecutive keepalive misses, resetting control link", misses)
	if err := s.control.Reset(); err != nil {
		monitoring.Logf("session: keepalive link reset failed: %v", err)
	}
	s.mu.Lock()
	s.keepaliveMisses = 0
	s.mu.Unlock()
}

// sessionSink adapts a Session into streamlink.Sink, decoding incoming
// frames and routing them into the frame store or out as live preview
// events.
type sessionSink struct {
	s *Session
}

func (sk sessionSink) HandleFrame(headerBytes, payload []byte) {
	if sk.s == nil {
		return
	}
	frame, header, err := codec.Decode(headerBytes, payload)
	if err != nil {
		sk.s.publish(Event{Kind: EventError, Err: fmt.Errorf("session: decode frame: %w", err)})
		return
	}
	sk.s.onFrame(frame, header)
}

func (s *Session) onFrame(frame *scantypes.Frame, header *scantypes.FrameHeader) {
	if header.PatternIndex < 0 || !header.IsScanFrame {
		s.publish(Event{Kind: EventPreview, Frame: frame})
		return
	}
	s.store.Insert(header.Camera, header.PatternIndex, frame, *header)
}

// Start connects both links and begins a scan, returning once the
// scan has finished, been cancelled, or failed. Live preview/progress
// events are delivered to subscribers throughout.
func (s *Session) Start(ctx context.Context, totalPatterns int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("session: scan already running")
	}
	s.running = true
	s.scanID = uuid.NewString()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if err := s.control.Connect(s.cfg.ControlEndpoint); err != nil {
		return fmt.Errorf("session: control connect: %w", err)
	}
	s.stream.Start(s.cfg.StreamEndpoint)
	s.mem.Start(time.Second)

	cfg := orchestrator.Config{
		ScanID:        s.scanID,
		TotalPatterns: totalPatterns,
		Family:        s.cfg.Family,
		Calibration:   s.cfg.Calibration,
		OnProgress: func(ev orchestrator.ProgressEvent) {
			s.mu.Lock()
			s.latest = ev.Cloud
			s.mu.Unlock()
			s.stats.record(ev.PatternIndex, ev.TotalPatterns)
			s.publish(Event{Kind: EventScanProgress, Scan: s.scanID, Cloud: ev.Cloud})
			s.publish(Event{Kind: EventPointCloudUpdate, Scan: s.scanID, Cloud: ev.Cloud.Clone()})
		},
		OnError: func(err error) {
			s.publish(Event{Kind: EventError, Scan: s.scanID, Err: err})
		},
	}

	_, err := s.orch.Start(ctx, cfg)
	return err
}

// Cancel requests the in-progress scan stop as soon as the orchestrator
// observes it.
func (s *Session) Cancel() error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return errors.New("session: no scan running")
	}
	return s.orch.Cancel()
}

// Stop tears down both links and the worker pool permanently. The
// Session is not reusable after Stop.
func (s *Session) Stop() {
	close(s.keepaliveStop)
	<-s.keepaliveDone
	s.mem.Stop()
	s.stream.Stop()
	s.control.Close()
	s.pool.Shutdown(false)
}

// LatestPointCloud returns a snapshot of the most recently published
// cloud, or nil if the scan has not yet produced one. The returned
// value is a clone, safe to retain and mutate independent of future
// scan progress.
func (s *Session) LatestPointCloud() *scantypes.PointCloud {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Clone()
}

// Subscribe registers a callback for session events, returning an
// unsubscribe function.
func (s *Session) Subscribe(sub Subscriber) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
	idx := len(s.subscribers) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.subscribers) {
			s.subscribers[idx] = nil
		}
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	subs := make([]Subscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					monitoring.Logf("session: subscriber panicked: %v", r)
				}
			}()
			sub(ev)
		}()
	}
}

// Stats returns a snapshot of recent per-pattern scan statistics, used
// by diagnostic tooling.
func (s *Session) Stats() []PatternStat {
	return s.stats.snapshot()
}
