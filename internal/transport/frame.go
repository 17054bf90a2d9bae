// Package transport maintains the WebSocket session with the sync server.
// It frames messages for the wire, subscribes the per-user queues, keeps
// the connection alive with heartbeats, and reconnects with backoff up to
// a fixed attempt ceiling. Inbound messages surface on a channel; the
// orchestrator never touches the socket directly.
package transport

import "encoding/json"

// Wire frame kinds. A frame is the outermost JSON object on the socket;
// sync messages ride inside frameMessage and frameSend bodies.
const (
	// frameConnect opens a session. Carries credentials in the body.
	frameConnect = "connect"

	// frameConnected is the server's acceptance of a connect.
	frameConnected = "connected"

	// frameSubscribe registers interest in one server topic.
	frameSubscribe = "subscribe"

	// frameSend publishes a message to an application destination.
	frameSend = "send"

	// frameMessage delivers a message from a subscribed topic.
	frameMessage = "message"

	// framePing and framePong are the heartbeat pair. The client only
	// sends pings; pongs are ignored beyond proving liveness.
	framePing = "ping"
	framePong = "pong"

	// frameError reports a session-level failure from the server.
	frameError = "error"
)

// frame is the wire envelope for one socket message.
type frame struct {
	Frame       string          `json:"frame"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// connectBody is the credential payload of a connect frame.
type connectBody struct {
	Token    string `json:"token,omitempty"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// ConnState is the externally visible connection state. Transitions are
// reported to the orchestrator as internal connectionStateUpdate messages.
type ConnState string

const (
	// StateConnecting means a dial or reconnect cycle is in progress.
	StateConnecting ConnState = "connecting"

	// StateOpen means the session is established and subscribed.
	StateOpen ConnState = "open"

	// StateClosed means the worker is stopped, either explicitly or after
	// exhausting its reconnect attempts. Only Init leaves this state.
	StateClosed ConnState = "closed"
)
