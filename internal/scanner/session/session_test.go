package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanclient/internal/scanner/controllink"
	"github.com/banshee-data/scanclient/internal/scanner/framestore"
	"github.com/banshee-data/scanclient/internal/scanner/memgov"
	"github.com/banshee-data/scanclient/internal/scanner/orchestrator"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/workerpool"
	"github.com/banshee-data/scanclient/internal/timeutil"
)

// newTestSession assembles a Session by hand, as the package doc
// directs, wiring just enough of each collaborator for the sink and
// event-fanout tests below.
func newTestSession() *Session {
	clock := timeutil.RealClock{}
	mem := memgov.New(2048, nil, clock)
	return &Session{
		cfg:           Config{}.withDefaults(),
		clock:         clock,
		control:       controllink.New(),
		store:         framestore.New(0),
		pool:          workerpool.New(1, 0),
		mem:           mem,
		orch:          orchestrator.New(controllink.New(), framestore.New(0), workerpool.New(1, 0), clock, mem),
		stats:         newStatsRecorder(8),
		keepaliveStop: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
}

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestSubscribe_ReceivesPublishedEvents(t *testing.T) {
	t.Parallel()
	s := newTestSession()

	var got []Event
	unsubscribe := s.Subscribe(func(ev Event) {
		got = append(got, ev)
	})

	s.publish(Event{Kind: EventPreview})
	s.publish(Event{Kind: EventError, Err: errors.New("boom")})
	unsubscribe()
	s.publish(Event{Kind: EventScanProgress})

	require.Len(t, got, 2)
	assert.Equal(t, EventPreview, got[0].Kind)
	assert.Equal(t, EventError, got[1].Kind)
}

func TestPublish_SurvivesPanickingSubscriber(t *testing.T) {
	t.Parallel()
	s := newTestSession()

	var calledAfter bool
	s.Subscribe(func(Event) { panic("subscriber exploded") })
	s.Subscribe(func(Event) { calledAfter = true })

	assert.NotPanics(t, func() {
		s.publish(Event{Kind: EventPreview})
	})
	assert.True(t, calledAfter)
}

func TestOnFrame_PreviewFrameSkipsFrameStore(t *testing.T) {
	t.Parallel()
	s := newTestSession()

	var previewed *scantypes.Frame
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventPreview {
			previewed = ev.Frame
		}
	})

	frame := &scantypes.Frame{Width: 4, Height: 4, Channels: 1, Pixels: make([]byte, 16)}
	s.onFrame(frame, &scantypes.FrameHeader{PatternIndex: -1, IsScanFrame: false})

	require.NotNil(t, previewed)
	assert.Equal(t, 0, s.store.Len())
}

func TestOnFrame_ScanFrameGoesToFrameStore(t *testing.T) {
	t.Parallel()
	s := newTestSession()

	frame := &scantypes.Frame{Width: 4, Height: 4, Channels: 1, Pixels: make([]byte, 16)}
	s.onFrame(frame, &scantypes.FrameHeader{PatternIndex: 3, IsScanFrame: true, Camera: scantypes.CameraLeft})

	assert.Equal(t, 1, s.store.Len())
	assert.False(t, s.store.HasPair(3)) // only the left camera landed
	slot, ok := s.store.Slot(3)
	require.True(t, ok)
	assert.Same(t, frame, slot.Frames[scantypes.CameraLeft])
}

func TestSessionSink_HandleFrame_DecodesAndRoutes(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	sink := sessionSink{s: s}

	payload := encodeTestJPEG(t, 8, 8)
	header, err := json.Marshal(map[string]any{
		"camera":    0,
		"timestamp": 1.0,
		"format":    "jpeg",
	})
	require.NoError(t, err)

	var previewed bool
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventPreview {
			previewed = true
		}
	})

	sink.HandleFrame(header, payload)
	assert.True(t, previewed)
}

func TestSessionSink_HandleFrame_MalformedHeaderPublishesError(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	sink := sessionSink{s: s}

	var reported error
	s.Subscribe(func(ev Event) {
		if ev.Kind == EventError {
			reported = ev.Err
		}
	})

	sink.HandleFrame([]byte("not json"), []byte("not a jpeg"))
	assert.Error(t, reported)
}

func TestCancel_NoScanRunning(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	err := s.Cancel()
	assert.Error(t, err)
}

func TestLatestPointCloud_NilBeforeAnyProgress(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	assert.Nil(t, s.LatestPointCloud())
}

func TestStats_SnapshotReflectsRecordedProgress(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	s.stats.record(2, 10)
	s.stats.record(3, 10)

	got := s.Stats()
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].PatternIndex)
	assert.Equal(t, 3, got[1].PatternIndex)
}
