package streamlink

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanclient/internal/timeutil"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][2][]byte
}

func (s *recordingSink) HandleFrame(header, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, [2][]byte{append([]byte(nil), header...), append([]byte(nil), payload...)})
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func writePart(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(data)
	require.NoError(t, err)
}

type pipeDialer struct {
	mu     sync.Mutex
	server net.Conn
	calls  int
	fail   int // number of initial Dial calls that should fail
}

func (d *pipeDialer) Dial(endpoint string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.fail {
		return nil, assertErr
	}
	client, server := net.Pipe()
	d.server = server
	return client, nil
}

var assertErr = &net.OpError{Op: "dial", Err: errTest{}}

type errTest struct{}

func (errTest) Error() string { return "simulated dial failure" }

func TestLink_DeliversFrames(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := &pipeDialer{}
	link := NewWithDeps(sink, Config{}, d, timeutil.RealClock{})

	link.Start("fake:1")
	for i := 0; i < 20 && d.server == nil; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, d.server)

	writePart(t, d.server, []byte(`{"camera":0}`))
	writePart(t, d.server, []byte("jpegdata"))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	link.Stop()
	assert.Equal(t, StatusStopped, link.GetStatus())
}

func TestLink_ReconnectsAfterDialFailures(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := &pipeDialer{fail: 2}
	link := NewWithDeps(sink, Config{BackoffInitial: 5 * time.Millisecond, BackoffMax: 10 * time.Millisecond, MaxAttempts: 10}, d, timeutil.RealClock{})

	link.Start("fake:1")
	require.Eventually(t, func() bool { return d.server != nil }, time.Second, 5*time.Millisecond)
	link.Stop()
}

func TestLink_FailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := &pipeDialer{fail: 100}
	link := NewWithDeps(sink, Config{BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond, MaxAttempts: 3}, d, timeutil.RealClock{})

	link.Start("fake:1")
	require.Eventually(t, func() bool { return link.GetStatus() == StatusFailed }, time.Second, 5*time.Millisecond)
}

func TestLink_StartIsIdempotent(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	d := &pipeDialer{}
	link := NewWithDeps(sink, Config{}, d, timeutil.RealClock{})
	link.Start("fake:1")
	link.Start("fake:1")
	require.Eventually(t, func() bool { return d.server != nil }, time.Second, 5*time.Millisecond)
	link.Stop()
	assert.LessOrEqual(t, d.calls, 1)
}
