package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletsync/internal/protocol"
)

// fakeConn is an in-memory wsConn. Writes are decoded and recorded;
// reads are fed from the inbound channel. Closing ends reads with EOF,
// which the worker treats as a dropped connection.
type fakeConn struct {
	mu     sync.Mutex
	writes []frame
	closed bool

	inbound chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data, ok := <-c.inbound:
		if !ok {
			return 0, nil, io.EOF
		}

		return websocket.MessageText, data, nil

	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}

	c.mu.Lock()
	c.writes = append(c.writes, f)
	c.mu.Unlock()

	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.inbound)
	}

	return nil
}

func (c *fakeConn) push(t *testing.T, f frame) {
	t.Helper()

	data, err := json.Marshal(f)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.False(t, c.closed, "push on closed connection")

	c.inbound <- data
}

func (c *fakeConn) snapshot() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]frame(nil), c.writes...)
}

func testWorker(t *testing.T, dial dialFunc) *Worker {
	t.Helper()

	w := NewWorker(Config{
		URL:      "ws://localhost/sync",
		UserID:   "user-1",
		DeviceID: "device-a",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.dial = dial
	w.connectDelay = time.Millisecond
	t.Cleanup(func() { w.Close() })

	return w
}

// acceptingDial hands out fake connections pre-loaded with the server's
// connected frame, and reports each one on conns.
func acceptingDial(conns chan *fakeConn) dialFunc {
	return func(context.Context, string) (wsConn, error) {
		c := newFakeConn()

		data, _ := json.Marshal(frame{Frame: frameConnected})
		c.inbound <- data

		select {
		case conns <- c:
		default:
		}

		return c, nil
	}
}

func awaitMessage(t *testing.T, w *Worker, pred func(protocol.Message) bool) protocol.Message {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.Messages():
			if pred(msg) {
				return msg
			}

		case <-deadline:
			t.Fatal("timed out waiting for message")
		}
	}
}

func awaitInternal(t *testing.T, w *Worker, pred func(protocol.Message) bool) protocol.Message {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-w.Internals():
			if pred(msg) {
				return msg
			}

		case <-deadline:
			t.Fatal("timed out waiting for internal signal")
		}
	}
}

func isInternalOp(op string) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		if msg.Type != protocol.TypeInternal {
			return false
		}

		in, err := msg.DecodeInternal()

		return err == nil && in.Op == op
	}
}

func isStateUpdate(state ConnState) func(protocol.Message) bool {
	return func(msg protocol.Message) bool {
		if msg.Type != protocol.TypeInternal {
			return false
		}

		in, err := msg.DecodeInternal()

		return err == nil && in.Op == protocol.InternalConnectionStateUpdate && in.State == string(state)
	}
}

func TestWorker_HandshakeAndSubscribe(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := testWorker(t, acceptingDial(conns))

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	assert.Equal(t, StateOpen, w.State())

	conn := <-conns
	writes := conn.snapshot()
	require.GreaterOrEqual(t, len(writes), 1+len(protocol.SubscribedTopics()))

	assert.Equal(t, frameConnect, writes[0].Frame)

	var creds connectBody
	require.NoError(t, json.Unmarshal(writes[0].Body, &creds))
	assert.Equal(t, "user-1", creds.UserID)
	assert.Equal(t, "device-a", creds.DeviceID)

	var subscribed []string
	for _, f := range writes[1:] {
		require.Equal(t, frameSubscribe, f.Frame)
		subscribed = append(subscribed, f.Destination)
	}

	assert.ElementsMatch(t, protocol.SubscribedTopics(), subscribed)
}

func TestWorker_PublishRequiresOpen(t *testing.T) {
	w := testWorker(t, acceptingDial(make(chan *fakeConn, 1)))

	err := w.Publish(context.Background(), protocol.Message{Destination: protocol.DestOpLogInsert})
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestWorker_PublishWritesSendFrame(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := testWorker(t, acceptingDial(conns))

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	msg, err := protocol.NewQuery(protocol.DestOpLogGet, protocol.QueryGetOpLogs, protocol.GetOpLogsParams{}, protocol.RequestInfo{
		UserID:   "user-1",
		DeviceID: "device-a",
	})
	require.NoError(t, err)
	require.NoError(t, w.Publish(context.Background(), msg))

	conn := <-conns
	writes := conn.snapshot()

	last := writes[len(writes)-1]
	assert.Equal(t, frameSend, last.Frame)
	assert.Equal(t, protocol.DestOpLogGet, last.Destination)

	var sent protocol.Message
	require.NoError(t, json.Unmarshal(last.Body, &sent))
	assert.Equal(t, protocol.TypeQuery, sent.Type)
}

func TestWorker_InboundMessageSurfaces(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := testWorker(t, acceptingDial(conns))

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	event, _ := json.Marshal(protocol.Event{Type: protocol.EventOpLogCreated})
	body, _ := json.Marshal(protocol.Message{
		Type:        protocol.TypeEvent,
		RequestInfo: &protocol.RequestInfo{UserID: "user-1", DeviceID: "device-b"},
		Body:        event,
	})

	conn := <-conns
	conn.push(t, frame{Frame: frameMessage, Destination: protocol.TopicOpLogInsertAck, Body: body})

	msg := awaitMessage(t, w, func(m protocol.Message) bool { return m.Type == protocol.TypeEvent })

	// The envelope had no destination, so the frame's topic is adopted.
	assert.Equal(t, protocol.TopicOpLogInsertAck, msg.Destination)
	assert.False(t, msg.SelfOriginated("device-a"))
}

func TestWorker_ErrorFrameSurfaces(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := testWorker(t, acceptingDial(conns))

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	conn := <-conns
	conn.push(t, frame{Frame: frameError, Error: "subscription limit reached"})

	msg := awaitMessage(t, w, func(m protocol.Message) bool { return m.Type == protocol.TypeError })

	body, err := msg.DecodeError()
	require.NoError(t, err)
	assert.Equal(t, "subscription limit reached", body.Message)
}

func TestWorker_ReconnectsAfterDrop(t *testing.T) {
	conns := make(chan *fakeConn, 4)

	var dials atomic.Int32
	dial := acceptingDial(conns)
	w := testWorker(t, func(ctx context.Context, url string) (wsConn, error) {
		dials.Add(1)
		return dial(ctx, url)
	})

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	first := <-conns
	first.Close(websocket.StatusGoingAway, "dropped")

	// The session goes through connecting and comes back up. Ready is a
	// once-per-lifecycle signal, so only state updates announce the
	// reconnect.
	awaitInternal(t, w, isStateUpdate(StateConnecting))
	awaitInternal(t, w, isStateUpdate(StateOpen))

	assert.Equal(t, StateOpen, w.State())
	assert.Equal(t, int32(2), dials.Load())
}

func TestWorker_GivesUpAfterAttemptCeiling(t *testing.T) {
	var dials atomic.Int32
	w := testWorker(t, func(context.Context, string) (wsConn, error) {
		dials.Add(1)
		return nil, fmt.Errorf("connection refused")
	})

	require.NoError(t, w.Init(context.Background()))

	awaitInternal(t, w, isStateUpdate(StateClosed))

	assert.Equal(t, StateClosed, w.State())
	assert.Equal(t, int32(maxConnectAttempts), dials.Load())
}

func TestWorker_StateUpdatesSurviveInboundFlood(t *testing.T) {
	w := testWorker(t, acceptingDial(make(chan *fakeConn, 1)))

	// Saturate the data channel past its capacity.
	for i := 0; i < inboundBuffer+8; i++ {
		w.deliver(protocol.NewError("server", "flood"))
	}

	w.deliverInternal(protocol.NewInternal(protocol.InternalConnectionStateUpdate, string(StateOpen)))

	msg := awaitInternal(t, w, isStateUpdate(StateOpen))
	assert.Equal(t, protocol.TypeInternal, msg.Type)
}

func TestWorker_FullInternalBufferKeepsLatestSignal(t *testing.T) {
	w := testWorker(t, acceptingDial(make(chan *fakeConn, 1)))

	for i := 0; i < internalBuffer+4; i++ {
		w.deliverInternal(protocol.NewInternal(protocol.InternalConnectionStateUpdate, string(StateConnecting)))
	}

	w.deliverInternal(protocol.NewInternal(protocol.InternalConnectionStateUpdate, string(StateOpen)))

	// Old signals were shed to make room; the newest one must be there.
	awaitInternal(t, w, isStateUpdate(StateOpen))
}

func TestWorker_InitWhileRunningIsNoOp(t *testing.T) {
	conns := make(chan *fakeConn, 4)

	var dials atomic.Int32
	dial := acceptingDial(conns)
	w := testWorker(t, func(ctx context.Context, url string) (wsConn, error) {
		dials.Add(1)
		return dial(ctx, url)
	})

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	require.NoError(t, w.Init(context.Background()))

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StateOpen, w.State())
}

func TestWorker_CloseIsIdempotent(t *testing.T) {
	conns := make(chan *fakeConn, 4)
	w := testWorker(t, acceptingDial(conns))

	require.NoError(t, w.Close(), "close before init")

	require.NoError(t, w.Init(context.Background()))
	awaitInternal(t, w, isInternalOp(protocol.InternalInit))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, StateClosed, w.State())
}
