package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"walletsync/internal/async"
	"walletsync/internal/protocol"
)

const (
	// maxConnectAttempts is the ceiling on consecutive dial failures. The
	// counter resets on every successful handshake; exhausting it moves
	// the worker to closed until Init is called again.
	maxConnectAttempts = 5

	// connectBaseDelay is the backoff base between connect attempts.
	connectBaseDelay = 1 * time.Second

	// heartbeatInterval is how often the client pings the server. The
	// client never answers server pings; the flow is outbound only.
	heartbeatInterval = 20 * time.Second

	// handshakeTimeout bounds the dial, connect, and subscribe sequence.
	handshakeTimeout = 10 * time.Second

	// readLimit caps a single inbound frame. Snapshot documents are the
	// largest payload and stay well under this.
	readLimit = 8 * 1024 * 1024

	// inboundBuffer is the capacity of the Messages channel. Anything a
	// slow consumer drops is recovered by the next catch-up query.
	inboundBuffer = 64

	// internalBuffer is the capacity of the Internals channel. Lifecycle
	// signals are few; when the buffer is somehow full the oldest signal
	// is dropped so the most recent state always gets through.
	internalBuffer = 16
)

// ErrNotOpen is returned by Publish when the session is not established.
// Callers keep their rows in an uploadable state and retry on the next
// sync pass instead of queueing writes here.
var ErrNotOpen = fmt.Errorf("transport is not open")

// wsConn is the subset of *websocket.Conn the worker uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(readLimit)

	return conn, nil
}

// Config holds the connection parameters for a transport worker.
type Config struct {
	URL      string
	Token    string
	UserID   string
	DeviceID string
}

// Worker owns one logical server session. A reader goroutine feeds frames
// into the serve loop; writes go through a mutex so Publish and the
// heartbeat never interleave a frame. Lifecycle is closed → connecting →
// open, back to connecting on a dropped connection, and to closed on
// Close or when the attempt ceiling is exhausted.
type Worker struct {
	logger *slog.Logger
	cfg    Config
	dial   dialFunc

	// connectDelay is the backoff base for connect attempts. Fixed to
	// connectBaseDelay outside of tests.
	connectDelay time.Duration

	mu        sync.Mutex
	state     ConnState
	conn      wsConn
	cancel    context.CancelFunc
	readySent bool
	wg        sync.WaitGroup

	writeMu sync.Mutex

	messages  chan protocol.Message
	internals chan protocol.Message
}

// NewWorker builds a transport worker. The worker starts closed; call
// Init to connect.
func NewWorker(cfg Config, logger *slog.Logger) *Worker {
	return &Worker{
		logger:       logger,
		cfg:          cfg,
		dial:         defaultDial,
		connectDelay: connectBaseDelay,
		state:        StateClosed,
		messages:     make(chan protocol.Message, inboundBuffer),
		internals:    make(chan protocol.Message, internalBuffer),
	}
}

// Messages is the stream of inbound server messages. The channel is
// never closed; consumers stop via their own context.
func (w *Worker) Messages() <-chan protocol.Message {
	return w.messages
}

// Internals is the stream of lifecycle signals: init, close, and
// connectionStateUpdate. It is separate from Messages so a burst of data
// frames can never displace a state update.
func (w *Worker) Internals() <-chan protocol.Message {
	return w.internals
}

// State returns the current connection state.
func (w *Worker) State() ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// Init starts the connect loop. Calling Init on a worker that is already
// connecting or open is a logged no-op, so racing callers cannot spawn a
// second session.
func (w *Worker) Init(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateClosed {
		state := w.state
		w.mu.Unlock()
		w.logger.Info("transport already running", slog.String("state", string(state)))

		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.state = StateConnecting
	w.readySent = false
	w.mu.Unlock()

	w.emitState(StateConnecting)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	return nil
}

// Close stops the session and waits for the worker goroutines to exit.
// Safe to call multiple times and before Init.
func (w *Worker) Close() error {
	w.mu.Lock()
	cancel := w.cancel
	conn := w.conn
	w.cancel = nil
	w.conn = nil
	w.mu.Unlock()

	if cancel == nil && conn == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}

	w.wg.Wait()
	w.transition(StateClosed)
	w.deliverInternal(protocol.NewInternal(protocol.InternalClose, ""))

	return nil
}

// Publish sends a message to its destination. Fails immediately with
// ErrNotOpen when the session is not established; nothing is queued.
func (w *Worker) Publish(ctx context.Context, msg protocol.Message) error {
	w.mu.Lock()
	state, conn := w.state, w.conn
	w.mu.Unlock()

	if state != StateOpen || conn == nil {
		w.logger.Warn("publish refused, transport not open",
			slog.String("destination", msg.Destination),
			slog.String("state", string(state)),
		)

		return ErrNotOpen
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return w.writeFrame(ctx, conn, frame{
		Frame:       frameSend,
		Destination: msg.Destination,
		Body:        body,
	})
}

// run is the session loop: connect, serve until the connection drops, and
// reconnect. A failed connect cycle (all attempts spent) or a cancelled
// context ends the loop in the closed state.
func (w *Worker) run(ctx context.Context) {
	for {
		conn, err := w.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("giving up after repeated connect failures",
					slog.Int("attempts", maxConnectAttempts),
					slog.String("error", err.Error()),
				)
			}

			w.transition(StateClosed)

			return
		}

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()

		w.transition(StateOpen)

		// Ready fires once per lifecycle; reconnects are announced only
		// through the open state update.
		w.mu.Lock()
		first := !w.readySent
		w.readySent = true
		w.mu.Unlock()

		if first {
			w.deliverInternal(protocol.NewInternal(protocol.InternalInit, "ready"))
		}

		err = w.serve(ctx, conn)
		conn.Close(websocket.StatusNormalClosure, "closing")

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()

		if ctx.Err() != nil {
			w.transition(StateClosed)

			return
		}

		w.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
		w.transition(StateConnecting)
	}
}

// connect runs the handshake with backoff up to the attempt ceiling.
func (w *Worker) connect(ctx context.Context) (wsConn, error) {
	var conn wsConn

	err := async.Retry(ctx, func(ctx context.Context) error {
		c, err := w.handshake(ctx)
		if err != nil {
			return err
		}

		conn = c

		return nil
	}, async.RetryOptions{
		Retries:   maxConnectAttempts - 1,
		BaseDelay: w.connectDelay,
		Jitter:    true,
		OnError: func(attempt int, err error) {
			w.logger.Warn("connect attempt failed",
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", maxConnectAttempts),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// handshake dials the server, authenticates, and subscribes the per-user
// topics. On any failure the connection is closed and an error returned;
// the caller decides whether another attempt remains.
func (w *Worker) handshake(ctx context.Context) (wsConn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := w.dial(hsCtx, w.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", w.cfg.URL, err)
	}

	body, _ := json.Marshal(connectBody{
		Token:    w.cfg.Token,
		UserID:   w.cfg.UserID,
		DeviceID: w.cfg.DeviceID,
	})

	if err := w.writeFrame(hsCtx, conn, frame{Frame: frameConnect, Body: body}); err != nil {
		conn.Close(websocket.StatusInternalError, "connect failed")
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	_, data, err := conn.Read(hsCtx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "connect read failed")
		return nil, fmt.Errorf("reading connect response: %w", err)
	}

	var resp frame
	if err := json.Unmarshal(data, &resp); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad connect response")
		return nil, fmt.Errorf("decoding connect response: %w", err)
	}

	if resp.Frame == frameError {
		conn.Close(websocket.StatusNormalClosure, "rejected")
		return nil, fmt.Errorf("server rejected connect: %s", resp.Error)
	}

	if resp.Frame != frameConnected {
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("expected connected frame, got %q", resp.Frame)
	}

	for _, topic := range protocol.SubscribedTopics() {
		if err := w.writeFrame(hsCtx, conn, frame{Frame: frameSubscribe, Destination: topic}); err != nil {
			conn.Close(websocket.StatusInternalError, "subscribe failed")
			return nil, fmt.Errorf("subscribing %s: %w", topic, err)
		}
	}

	return conn, nil
}

// inboundFrame pairs one raw frame with the read error that ended the
// reader goroutine, delivered as its final send.
type inboundFrame struct {
	data []byte
	err  error
}

// serve owns one established connection: a reader goroutine feeds inbound
// frames, the loop dispatches them and drives the heartbeat. Returns when
// the connection drops or the context is cancelled.
func (w *Worker) serve(ctx context.Context, conn wsConn) error {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan inboundFrame, inboundBuffer)
	go func() {
		for {
			_, data, err := conn.Read(readCtx)
			select {
			case inbound <- inboundFrame{data: data, err: err}:
			case <-readCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case in := <-inbound:
			if in.err != nil {
				return fmt.Errorf("reading frame: %w", in.err)
			}

			w.handleFrame(in.data)

		case <-ticker.C:
			if err := w.writeFrame(ctx, conn, frame{Frame: framePing}); err != nil {
				return fmt.Errorf("sending ping: %w", err)
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleFrame dispatches one inbound frame. Malformed frames are logged
// and dropped; the connection stays up.
func (w *Worker) handleFrame(data []byte) {
	switch kind := gjson.GetBytes(data, "frame").Str; kind {
	case framePong:

	case frameMessage:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("unparseable message frame", slog.String("error", err.Error()))
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(f.Body, &msg); err != nil {
			w.logger.Warn("unparseable message body",
				slog.String("destination", f.Destination),
				slog.String("error", err.Error()),
			)

			return
		}

		if msg.Destination == "" {
			msg.Destination = f.Destination
		}

		w.deliver(msg)

	case frameError:
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("unparseable error frame", slog.String("error", err.Error()))
			return
		}

		w.logger.Warn("server error", slog.String("error", f.Error))
		w.deliver(protocol.NewError("server", f.Error))

	default:
		w.logger.Debug("unexpected frame", slog.String("frame", kind))
	}
}

// deliver hands a message to the consumer without blocking the serve
// loop. A full buffer drops the message; the catch-up query re-fetches
// anything missed.
func (w *Worker) deliver(msg protocol.Message) {
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("inbound buffer full, dropping message",
			slog.String("destination", msg.Destination),
			slog.String("type", string(msg.Type)),
		)
	}
}

// deliverInternal hands a lifecycle signal to the consumer. Unlike data
// messages these are load-bearing, so a full channel sheds the oldest
// signal instead of the newest one.
func (w *Worker) deliverInternal(msg protocol.Message) {
	for {
		select {
		case w.internals <- msg:
			return
		default:
		}

		select {
		case <-w.internals:
		default:
		}
	}
}

// transition moves to a new state and notifies the consumer. Repeating
// the current state is a no-op, so Close after a finished run loop does
// not emit a second closed update.
func (w *Worker) transition(state ConnState) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}

	w.state = state
	w.mu.Unlock()

	w.emitState(state)
}

func (w *Worker) emitState(state ConnState) {
	w.logger.Info("transport state", slog.String("state", string(state)))
	w.deliverInternal(protocol.NewInternal(protocol.InternalConnectionStateUpdate, string(state)))
}

// writeFrame serializes and writes one frame. The mutex keeps Publish,
// heartbeat, and handshake writes from interleaving.
func (w *Worker) writeFrame(ctx context.Context, conn wsConn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	return conn.Write(ctx, websocket.MessageText, data)
}
