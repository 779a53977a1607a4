// Package upstream carries one-way notifications from a session actor to its
// relay, which forwards them to the owning user's hub. Emits are
// fire-and-forget; a slow or absent consumer never blocks the session.
package upstream

import "fmt"

// EmitType is the closed set of notification types.
type EmitType string

const (
	EmitUpdate          EmitType = "update"
	EmitError           EmitType = "error"
	EmitReceived        EmitType = "received"
	EmitResponseStarted EmitType = "response_started"
	EmitInvalidate      EmitType = "invalidate"
	EmitCommandResponse EmitType = "command_response"
	EmitContent         EmitType = "content"
	EmitFunctionCall    EmitType = "function_call"
	EmitFunctionSuccess EmitType = "function_success"
	EmitFunctionError   EmitType = "function_error"

	// Relay lifecycle notifications.
	EmitSessionOpened EmitType = "session.opened"
	EmitSessionClosed EmitType = "session.closed"
)

// Event is one notification on a session or message topic.
type Event struct {
	Topic   string         `json:"topic"`
	Type    EmitType       `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// RelayTopic carries relay-level events that are not tied to any session,
// such as errors raised before a session exists.
const RelayTopic = "relay"

// SessionTopic is the topic carrying session-level events. An empty session
// id falls back to the relay topic.
func SessionTopic(sessionID string) string {
	if sessionID == "" {
		return RelayTopic
	}
	return fmt.Sprintf("session:%s", sessionID)
}

// MessageTopic is the topic carrying events about one message.
func MessageTopic(sessionID, messageID string) string {
	return fmt.Sprintf("session:%s:message:%s", sessionID, messageID)
}

// Sink consumes emitted events. Implementations must not block the caller;
// the relay's sink drops into a buffered channel.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Send(e Event) { f(e) }

// Emitter publishes events for one session.
type Emitter struct {
	sessionID string
	sink      Sink
}

// NewEmitter binds an emitter to a session and a sink.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{sessionID: sessionID, sink: sink}
}

// SessionID returns the session this emitter is bound to.
func (e *Emitter) SessionID() string { return e.sessionID }

func (e *Emitter) session(t EmitType, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = e.sessionID
	e.sink.Send(Event{Topic: SessionTopic(e.sessionID), Type: t, Payload: payload})
}

func (e *Emitter) message(messageID string, t EmitType, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["session_id"] = e.sessionID
	payload["message_id"] = messageID
	e.sink.Send(Event{Topic: MessageTopic(e.sessionID, messageID), Type: t, Payload: payload})
}

// Update publishes a session update carrying the listed fields (status,
// agent, model, title, public_meta, artifact_added, last_message_date).
func (e *Emitter) Update(fields map[string]any) {
	e.session(EmitUpdate, fields)
}

// SessionError publishes a session-level error with a stable code.
func (e *Emitter) SessionError(code, message string) {
	e.session(EmitError, map[string]any{"code": code, "message": message})
}

// CommandResponse answers a client command identified by requestID.
func (e *Emitter) CommandResponse(requestID string, success bool, code, message string) {
	payload := map[string]any{"request_id": requestID, "success": success}
	if code != "" {
		payload["code"] = code
	}
	if message != "" {
		payload["message"] = message
	}
	e.session(EmitCommandResponse, payload)
}

// Received acknowledges that a user message was persisted.
func (e *Emitter) Received(messageID string) {
	e.message(messageID, EmitReceived, nil)
}

// ResponseStarted signals that the assistant response responseID is being
// produced in reply to messageID.
func (e *Emitter) ResponseStarted(messageID, responseID string) {
	e.message(messageID, EmitResponseStarted, map[string]any{"response_id": responseID})
}

// Content streams assistant output for a message.
func (e *Emitter) Content(messageID, content string) {
	e.message(messageID, EmitContent, map[string]any{"content": content})
}

// Invalidate tells clients to drop any partial render of a message.
func (e *Emitter) Invalidate(messageID string) {
	e.message(messageID, EmitInvalidate, nil)
}

// MessageError publishes an error scoped to one message.
func (e *Emitter) MessageError(messageID, code, message string) {
	e.message(messageID, EmitError, map[string]any{"code": code, "message": message})
}

// FunctionCall announces a tool invocation persisted as messageID.
func (e *Emitter) FunctionCall(messageID, callID, name string) {
	e.message(messageID, EmitFunctionCall, map[string]any{"call_id": callID, "name": name})
}

// FunctionSuccess reports a finished tool invocation.
func (e *Emitter) FunctionSuccess(messageID, callID string) {
	e.message(messageID, EmitFunctionSuccess, map[string]any{"call_id": callID})
}

// FunctionError reports a failed tool invocation.
func (e *Emitter) FunctionError(messageID, callID, message string) {
	e.message(messageID, EmitFunctionError, map[string]any{"call_id": callID, "message": message})
}
