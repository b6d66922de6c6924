package orchestrator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanclient/internal/scanner/controllink"
	"github.com/banshee-data/scanclient/internal/scanner/framestore"
	"github.com/banshee-data/scanclient/internal/scanner/scantypes"
	"github.com/banshee-data/scanclient/internal/scanner/workerpool"
	"github.com/banshee-data/scanclient/internal/timeutil"
)

// pipeDialer hands out one side of a net.Pipe and keeps the other side
// for the test to drive as a fake scanner.
type pipeDialer struct {
	server net.Conn
}

func (d *pipeDialer) Dial(endpoint string) (net.Conn, error) {
	client, server := net.Pipe()
	d.server = server
	return client, nil
}

func writeFrameTo(t *testing.T, conn net.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	_, err = conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

func readFrameFrom(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(conn, lenBuf[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf, &m))
	return m
}

// tryReadFrame is readFrameFrom without failing the test: it reports
// false once the peer closes the pipe, which a long-lived fake server
// goroutine uses to know when to stop.
func tryReadFrame(conn net.Conn) (map[string]any, bool) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, false
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil, false
	}
	return m, true
}

// runFakeServer acknowledges every command with a generic "ok" reply,
// filling in the reply fields the orchestrator actually reads for the
// commands that carry them. It runs until the pipe closes.
func runFakeServer(conn net.Conn) {
	for {
		req, ok := tryReadFrame(conn)
		if !ok {
			return
		}
		reply := map[string]any{"original_type": req["type"], "status": "ok"}
		switch req["type"] {
		case "PING":
			reply["timestamp"] = float64(time.Now().UnixNano()) / 1e9
		case "SYNC_PATTERN":
			reply["pattern_index"] = req["pattern_index"]
			reply["projection_time_ms"] = 0.0
		}
		data, err := json.Marshal(reply)
		if err != nil {
			return
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
		if _, err := conn.Write(lenBuf[:]); err != nil {
			return
		}
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func testCalibration() *scantypes.CalibrationSet {
	k := [3][3]float64{
		{100, 0, 4},
		{0, 100, 4},
		{0, 0, 1},
	}
	return &scantypes.CalibrationSet{
		KLeft:       k,
		KRight:      k,
		Rotation:    [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		Translation: [3]float64{10, 0, 0},
		ImageWidth:  8,
		ImageHeight: 8,
	}
}

func makeFrame(w, h int, value byte) *scantypes.Frame {
	pixels := make([]byte, w*h)
	for i := range pixels {
		pixels[i] = value
	}
	return &scantypes.Frame{Width: w, Height: h, Channels: 1, Pixels: pixels}
}

// seedReferences inserts complete white (index 0) and black (index 1)
// pattern slots so the capture loop's waitForPair(0)/waitForPair(1)
// return immediately instead of blocking on a real projector.
func seedReferences(store *framestore.Store) {
	white := makeFrame(8, 8, 200)
	black := makeFrame(8, 8, 50)
	store.Insert(scantypes.CameraLeft, 0, white, scantypes.FrameHeader{})
	store.Insert(scantypes.CameraRight, 0, white, scantypes.FrameHeader{})
	store.Insert(scantypes.CameraLeft, 1, black, scantypes.FrameHeader{})
	store.Insert(scantypes.CameraRight, 1, black, scantypes.FrameHeader{})
}

func TestOrchestrator_Cancel_NoScanRunning(t *testing.T) {
	t.Parallel()
	o := New(controllink.New(), framestore.New(0), workerpool.New(1, 0), timeutil.RealClock{}, nil)
	err := o.Cancel()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestOrchestrator_State_StartsIdle(t *testing.T) {
	t.Parallel()
	o := New(controllink.New(), framestore.New(0), workerpool.New(1, 0), timeutil.RealClock{}, nil)
	assert.Equal(t, StateIdle, o.State())
}

func TestOrchestrator_CalibrateClock_AbortsOnContextCancel(t *testing.T) {
	t.Parallel()
	o := New(controllink.New(), framestore.New(0), workerpool.New(1, 0), timeutil.RealClock{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.calibrateClock(ctx)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestOrchestrator_CalibrateClock_FallsBackToDefaultBaselineOnLinkFailure(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := controllink.NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))
	d.server.Close() // every Send/Receive now fails immediately

	o := New(link, framestore.New(0), workerpool.New(1, 0), timeutil.RealClock{}, nil)
	rtt, err := o.calibrateClock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, defaultBaselineRTT, rtt)
}

func TestOrchestrator_CancelDuringCaptureLoop(t *testing.T) {
	t.Parallel()

	d := &pipeDialer{}
	link := controllink.NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	store := framestore.New(0)
	seedReferences(store)

	pool := workerpool.New(2, 0)
	defer pool.Shutdown(false)

	o := New(link, store, pool, timeutil.RealClock{}, nil)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		runFakeServer(d.server)
	}()

	errCh := make(chan error, 1)
	go func() {
		cfg := Config{
			ScanID:        "test-scan",
			TotalPatterns: 6,
			Family:        scantypes.FamilyGrayCode,
			Calibration:   testCalibration(),
		}
		_, err := o.Start(context.Background(), cfg)
		errCh <- err
	}()

	// Patterns 0 and 1 are pre-seeded and complete immediately; pattern
	// 2's frames never arrive, so by the time this fires the
	// orchestrator is blocked in waitForPair(2). Give it generous
	// headroom for the two reference patterns' stabilisation sleeps.
	time.Sleep(2 * time.Second)
	require.NoError(t, o.Cancel())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not return after cancel")
	}
	assert.Equal(t, StateCancelled, o.State())

	link.Close()
	<-serverDone
}
