// Package protocol defines the wire envelope and payload taxonomy shared
// by the sync client and server. Every frame body crossing the socket is a
// Message; internal messages additionally flow between the transport worker
// and the orchestrator without ever reaching the wire.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the payload carried in a Message body.
type MessageType string

const (
	// TypeCommand is a client-to-server imperative request.
	TypeCommand MessageType = "command"

	// TypeQuery is a client-to-server pull request.
	TypeQuery MessageType = "query"

	// TypeEvent is a server broadcast to all subscribed devices of a user.
	TypeEvent MessageType = "event"

	// TypeDocument is a server response to a Command or Query, delivered
	// to the originating device only.
	TypeDocument MessageType = "document"

	// TypeError carries a protocol-level failure.
	TypeError MessageType = "error"

	// TypeInternal is transport-worker-local signaling. Internal messages
	// are never serialized onto the wire.
	TypeInternal MessageType = "internal"
)

// Topics the client subscribes to. These are per-user private queues; the
// server routes acknowledgments and query responses through them.
const (
	TopicSnapshotLatest    = "/user/queue/sync/snapshot/latest"
	TopicSnapshotInsertAck = "/user/queue/sync/snapshot/insert/ack"
	TopicOpLogInsertAck    = "/user/queue/sync/opLog/insert/ack"
	TopicOpLogGetResponse  = "/user/queue/sync/opLog/get/response"
)

// Destinations the client publishes to.
const (
	DestSnapshotInsert = "/app/sync/snapshot/insert"
	DestOpLogInsert    = "/app/sync/opLog/insert"
	DestOpLogGet       = "/app/sync/opLog/get"
)

// SubscribedTopics returns the fixed set of topics a client subscribes to
// on connect.
func SubscribedTopics() []string {
	return []string{
		TopicSnapshotLatest,
		TopicSnapshotInsertAck,
		TopicOpLogInsertAck,
		TopicOpLogGetResponse,
	}
}

// RequestInfo identifies the user-device pair that originated a message.
// The server echoes it back on acknowledgment events, which is how a
// client recognizes its own uploads coming back around.
type RequestInfo struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId"`
}

// Message is the wire envelope. Body holds a payload matching Type and is
// decoded lazily via the typed accessors below.
type Message struct {
	Destination string          `json:"destination"`
	Type        MessageType     `json:"type"`
	RequestInfo *RequestInfo    `json:"requestInfo,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
}

// SelfOriginated reports whether the message echoes an action performed by
// the device identified by deviceID. Self-originated events are treated as
// acknowledgments, not new inbound data.
func (m Message) SelfOriginated(deviceID string) bool {
	return m.RequestInfo != nil && m.RequestInfo.DeviceID == deviceID
}

// Command payload types.
const (
	CommandCreateOpLog    = "createOpLog"
	CommandCreateSnapshot = "createSnapshot"
)

// Command is a client-to-server imperative request.
type Command struct {
	CommandID string          `json:"commandId"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// Query payload types.
const (
	QueryGetOpLogs         = "getOpLogs"
	QueryGetLatestSnapshot = "getLatestSnapshot"
)

// Query is a client-to-server pull request.
type Query struct {
	QueryID    string          `json:"queryId"`
	Timestamp  time.Time       `json:"timestamp"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// Event payload types.
const (
	EventOpLogCreated    = "opLogCreated"
	EventSnapshotCreated = "snapshotCreated"
)

// Event is a fire-and-forget server notification broadcast to every
// subscribed device of a user.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ErrorBody carries a protocol-level failure description.
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Internal operation names. These flow only between the transport worker
// and its host.
const (
	InternalInit                  = "init"
	InternalClose                 = "close"
	InternalConnectionStateUpdate = "connectionStateUpdate"
)

// Internal is transport-worker-local signaling.
type Internal struct {
	Op    string `json:"op"`
	State string `json:"state,omitempty"`
}

// DecodeCommand decodes the body as a Command. Returns an error when the
// envelope type does not match.
func (m Message) DecodeCommand() (Command, error) {
	var c Command
	if m.Type != TypeCommand {
		return c, fmt.Errorf("message type %q is not a command", m.Type)
	}

	if err := json.Unmarshal(m.Body, &c); err != nil {
		return c, fmt.Errorf("decoding command body: %w", err)
	}

	return c, nil
}

// DecodeQuery decodes the body as a Query.
func (m Message) DecodeQuery() (Query, error) {
	var q Query
	if m.Type != TypeQuery {
		return q, fmt.Errorf("message type %q is not a query", m.Type)
	}

	if err := json.Unmarshal(m.Body, &q); err != nil {
		return q, fmt.Errorf("decoding query body: %w", err)
	}

	return q, nil
}

// DecodeEvent decodes the body as an Event.
func (m Message) DecodeEvent() (Event, error) {
	var e Event
	if m.Type != TypeEvent {
		return e, fmt.Errorf("message type %q is not an event", m.Type)
	}

	if err := json.Unmarshal(m.Body, &e); err != nil {
		return e, fmt.Errorf("decoding event body: %w", err)
	}

	return e, nil
}

// DecodeError decodes the body as an ErrorBody.
func (m Message) DecodeError() (ErrorBody, error) {
	var e ErrorBody
	if m.Type != TypeError {
		return e, fmt.Errorf("message type %q is not an error", m.Type)
	}

	if err := json.Unmarshal(m.Body, &e); err != nil {
		return e, fmt.Errorf("decoding error body: %w", err)
	}

	return e, nil
}

// DecodeInternal decodes the body as an Internal signal.
func (m Message) DecodeInternal() (Internal, error) {
	var i Internal
	if m.Type != TypeInternal {
		return i, fmt.Errorf("message type %q is not internal", m.Type)
	}

	if err := json.Unmarshal(m.Body, &i); err != nil {
		return i, fmt.Errorf("decoding internal body: %w", err)
	}

	return i, nil
}

// NewCommand builds a command Message for the given destination. data is
// marshalled into the command's Data field.
func NewCommand(destination, commandType string, data any, info RequestInfo) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling command data: %w", err)
	}

	now := time.Now().UTC()

	body, err := json.Marshal(Command{
		CommandID: uuid.NewString(),
		Timestamp: now,
		Type:      commandType,
		Data:      raw,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshalling command: %w", err)
	}

	return Message{
		Destination: destination,
		Type:        TypeCommand,
		RequestInfo: &info,
		Body:        body,
		SentAt:      now,
	}, nil
}

// NewQuery builds a query Message for the given destination.
func NewQuery(destination, queryType string, parameters any, info RequestInfo) (Message, error) {
	raw, err := json.Marshal(parameters)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling query parameters: %w", err)
	}

	now := time.Now().UTC()

	body, err := json.Marshal(Query{
		QueryID:    uuid.NewString(),
		Timestamp:  now,
		Type:       queryType,
		Parameters: raw,
	})
	if err != nil {
		return Message{}, fmt.Errorf("marshalling query: %w", err)
	}

	return Message{
		Destination: destination,
		Type:        TypeQuery,
		RequestInfo: &info,
		Body:        body,
		SentAt:      now,
	}, nil
}

// NewInternal builds an internal signaling Message. It never carries a
// destination because it never reaches the wire.
func NewInternal(op, state string) Message {
	body, _ := json.Marshal(Internal{Op: op, State: state})

	return Message{
		Type:   TypeInternal,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
}

// NewError builds an error Message for protocol-level failures raised
// locally by the transport worker.
func NewError(code, message string) Message {
	body, _ := json.Marshal(ErrorBody{Code: code, Message: message})

	return Message{
		Type:   TypeError,
		Body:   body,
		SentAt: time.Now().UTC(),
	}
}
