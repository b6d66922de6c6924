package controllink

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out one side of a net.Pipe and keeps the other side
// for the test to drive as the fake scanner.
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

func TestSendReceive_HappyPath(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readFrameFrom(t, d.server)
		assert.Equal(t, "PING", req["type"])
		writeFrameTo(t, d.server, map[string]any{"original_type": "PING", "status": "ok", "timestamp": 1.0})
	}()

	require.NoError(t, link.Send("PING", nil, time.Second))
	reply, err := link.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Status)
	assert.Equal(t, "PING", reply.OriginalType)
	<-done
}

func TestSend_DropsReservedKeys(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readFrameFrom(t, d.server)
		assert.Equal(t, "SYNC_PATTERN", req["type"])
		assert.NotContains(t, req, "command")
		writeFrameTo(t, d.server, map[string]any{"original_type": "SYNC_PATTERN", "status": "ok"})
	}()

	err := link.Send("SYNC_PATTERN", map[string]any{"type": "evil", "command": "evil", "pattern_index": 3}, time.Second)
	require.NoError(t, err)
	_, err = link.Receive(time.Second)
	require.NoError(t, err)
	<-done
}

func TestSend_BusyWithoutPriorReceive(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	go readFrameFrom(t, d.server)
	require.NoError(t, link.Send("PING", nil, time.Second))

	err := link.Send("PING", nil, time.Second)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestReceive_NoRequestPending(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	_, err := link.Receive(time.Second)
	assert.ErrorIs(t, err, ErrNoRequestPending)
}

func TestReceive_OutOfOrderResetsLink(t *testing.T) {
	t.Parallel()
	d := &pipeDialer{}
	link := NewWithDialer(d)
	require.NoError(t, link.Connect("fake:1234"))

	go func() {
		readFrameFrom(t, d.server)
		writeFrameTo(t, d.server, map[string]any{"original_type": "GET_STATUS", "status": "ok"})
	}()

	require.NoError(t, link.Send("SYNC_PATTERN", nil, time.Second))
	_, err := link.Receive(time.Second)
	assert.ErrorIs(t, err, ErrOutOfOrderReply)
	// Link reconnects on reset, so a prior-request check errors with
	// NoRequestPending rather than Busy.
	_, err = link.Receive(time.Second)
	assert.ErrorIs(t, err, ErrNoRequestPending)
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()
	link := New()
	err := link.Send("PING", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotConnected)
}
