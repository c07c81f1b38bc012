package relay

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/bt-bridge/realtime-relay/shared"
	"github.com/bt-bridge/realtime-relay/tools"
	"github.com/bytedance/sonic"
	"github.com/oklog/ulid/v2"
)

type EventType string

// Model event types the relay acts on
const (
	EventTypeError                            EventType = "error"
	EventTypeSessionCreated                   EventType = "session.created"
	EventTypeSessionUpdated                   EventType = "session.updated"
	EventTypeResponseDone                     EventType = "response.done"
	EventTypeResponseOutputItemAdded          EventType = "response.output_item.added"
	EventTypeResponseOutputItemDone           EventType = "response.output_item.done"
	EventTypeConversationItemCreated          EventType = "conversation.item.created"
	EventTypeConversationItemAdded            EventType = "conversation.item.added"
	EventTypeConversationItemDone             EventType = "conversation.item.done"
	EventTypeFunctionCallArgumentsDelta       EventType = "response.function_call_arguments.delta"
	EventTypeFunctionCallArgumentsDone        EventType = "response.function_call_arguments.done"
	EventTypeInputAudioTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	EventTypeOutputAudioTranscriptDone        EventType = "response.output_audio_transcript.done"
	EventTypeAudioTranscriptDone              EventType = "response.audio_transcript.done"
	EventTypeOutputTextDone                   EventType = "response.output_text.done"
)

// Client event types the relay acts on or emits
const (
	EventTypeSessionUpdate          EventType = "session.update"
	EventTypeConversationItemCreate EventType = "conversation.item.create"
	EventTypeResponseCreate         EventType = "response.create"
	EventTypeToolResult             EventType = "extension.tool_result"
)

// Event is one decoded frame. Param is only set for control-plane types;
// every other frame is data-plane and carried as Raw.
type Event struct {
	Type    EventType
	EventId string
	Param   EventParam
	Raw     []byte
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

type frameHeader struct {
	Type    string `json:"type"`
	EventId string `json:"event_id"`
}

func newParam(t EventType) EventParam {
	switch t {
	case EventTypeError:
		return new(EventParamError)
	case EventTypeSessionUpdated, EventTypeSessionUpdate:
		return new(EventParamSession)
	case EventTypeResponseDone:
		return new(EventParamResponseDone)
	case EventTypeResponseCreate:
		return new(EventParamResponseCreate)
	case EventTypeResponseOutputItemAdded, EventTypeResponseOutputItemDone,
		EventTypeConversationItemCreated, EventTypeConversationItemAdded, EventTypeConversationItemDone,
		EventTypeConversationItemCreate:
		return new(EventParamItem)
	case EventTypeInputAudioTranscriptionCompleted, EventTypeOutputAudioTranscriptDone, EventTypeAudioTranscriptDone:
		return &EventParamTranscript{field: "transcript"}
	case EventTypeOutputTextDone:
		return &EventParamTranscript{field: "text"}
	default:
		return nil
	}
}

// DecodeEvent reads the type of a frame and, for control-plane frames,
// decodes its parameters. Failures wrap shared.ErrProtocol.
func DecodeEvent(data []byte) (*Event, error) {
	var h frameHeader
	if err := sonic.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: decoding frame: %v", shared.ErrProtocol, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: frame without type", shared.ErrProtocol)
	}
	e := &Event{Type: EventType(h.Type), EventId: h.EventId, Raw: data}

	param := newParam(e.Type)
	if param == nil {
		return e, nil
	}
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", shared.ErrProtocol, e.Type, err)
	}
	delete(raw, "type")
	delete(raw, "event_id")
	if err := param.New(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrProtocol, e.Type, err)
	}
	e.Param = param
	return e, nil
}

// Encode renders an outbound event. Events without an id get a fresh one.
func (e *Event) Encode() ([]byte, error) {
	if e.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if e.Param == nil {
		return nil, errors.New("Param is nil")
	}
	if e.EventId == "" {
		e.EventId = "evt_" + ulid.Make().String()
	}
	resp := map[string]any{}
	maps.Copy(resp, e.Param.Json())
	resp["event_id"] = e.EventId
	resp["type"] = e.Type
	return sonic.Marshal(resp)
}

// error
type EventParamError struct {
	Type    string
	Code    string
	Message string
}

func (p *EventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	return nil
}

func (p *EventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":    p.Type,
			"code":    p.Code,
			"message": p.Message,
		},
	}
}

// session.update / session.updated
type EventParamSession struct {
	Session map[string]any
}

func (p *EventParamSession) New(m map[string]any) error {
	if v, ok := m["session"].(map[string]any); ok {
		p.Session = v
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *EventParamSession) Json() map[string]any {
	return map[string]any{
		"session": p.Session,
	}
}

// response.done
type EventParamResponseDone struct {
	Response map[string]any
}

func (p *EventParamResponseDone) New(m map[string]any) error {
	if v, ok := m["response"].(map[string]any); ok {
		p.Response = v
	} else {
		return errors.New("missing response")
	}
	return nil
}

func (p *EventParamResponseDone) Json() map[string]any {
	return map[string]any{
		"response": p.Response,
	}
}

func (p *EventParamResponseDone) ResponseId() string {
	id, _ := p.Response["id"].(string)
	return id
}

// Events carrying a conversation item: response.output_item.added/done,
// conversation.item.created/added/done and conversation.item.create
type EventParamItem struct {
	ResponseId     string
	PreviousItemId string
	Item           map[string]any
}

func (p *EventParamItem) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	p.PreviousItemId, _ = m["previous_item_id"].(string)
	if v, ok := m["item"].(map[string]any); ok {
		p.Item = v
	} else {
		return errors.New("missing item")
	}
	return nil
}

func (p *EventParamItem) Json() map[string]any {
	out := map[string]any{"item": p.Item}
	if p.ResponseId != "" {
		out["response_id"] = p.ResponseId
	}
	if p.PreviousItemId != "" {
		out["previous_item_id"] = p.PreviousItemId
	}
	return out
}

func (p *EventParamItem) ItemType() string {
	t, _ := p.Item["type"].(string)
	return t
}

// IsToolTraffic reports whether the item is a function call or its output.
func (p *EventParamItem) IsToolTraffic() bool {
	t := p.ItemType()
	return t == "function_call" || t == "function_call_output"
}

// FunctionCall returns the tool call carried by the item, if it is one.
func (p *EventParamItem) FunctionCall() (tools.Call, bool) {
	if p.ItemType() != "function_call" {
		return tools.Call{}, false
	}
	var c tools.Call
	c.ID, _ = p.Item["call_id"].(string)
	c.Name, _ = p.Item["name"].(string)
	c.Arguments, _ = p.Item["arguments"].(string)
	return c, c.ID != ""
}

// UserText returns the text of a user message item.
func (p *EventParamItem) UserText() (string, bool) {
	if p.ItemType() != "message" {
		return "", false
	}
	if r, _ := p.Item["role"].(string); r != "user" {
		return "", false
	}
	content, _ := p.Item["content"].([]any)
	var parts []string
	for _, c := range content {
		part, _ := c.(map[string]any)
		if s, ok := part["text"].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " "), len(parts) > 0
}

// Finished user and assistant transcripts
type EventParamTranscript struct {
	ItemId string
	Text   string

	field string
}

func (p *EventParamTranscript) New(m map[string]any) error {
	p.ItemId, _ = m["item_id"].(string)
	if v, ok := m[p.field].(string); ok {
		p.Text = v
	} else {
		return fmt.Errorf("missing %s", p.field)
	}
	return nil
}

func (p *EventParamTranscript) Json() map[string]any {
	return map[string]any{
		"item_id": p.ItemId,
		p.field:   p.Text,
	}
}

// response.create
type EventParamResponseCreate struct {
	Response map[string]any
}

func (p *EventParamResponseCreate) New(m map[string]any) error {
	p.Response, _ = m["response"].(map[string]any)
	return nil
}

func (p *EventParamResponseCreate) Json() map[string]any {
	if p.Response == nil {
		return map[string]any{}
	}
	return map[string]any{"response": p.Response}
}

// personaFields are the settings only the active persona decides.
var personaFields = []string{"instructions", "tools", "tool_choice"}

// stripPersona drops per-response overrides of the persona and reports
// whether there were any.
func (p *EventParamResponseCreate) stripPersona() bool {
	stripped := false
	for _, k := range personaFields {
		if _, ok := p.Response[k]; ok {
			delete(p.Response, k)
			stripped = true
		}
	}
	return stripped
}

// extension.tool_result
type EventParamToolResult struct {
	CallId   string
	ToolName string
	Output   string
}

func (p *EventParamToolResult) New(m map[string]any) error {
	if v, ok := m["call_id"].(string); ok {
		p.CallId = v
	} else {
		return errors.New("missing call_id")
	}
	p.ToolName, _ = m["tool_name"].(string)
	p.Output, _ = m["output"].(string)
	return nil
}

func (p *EventParamToolResult) Json() map[string]any {
	return map[string]any{
		"call_id":   p.CallId,
		"tool_name": p.ToolName,
		"output":    p.Output,
	}
}

func sessionUpdateEvent(session map[string]any) *Event {
	return &Event{Type: EventTypeSessionUpdate, Param: &EventParamSession{Session: session}}
}

func functionCallOutputEvent(callID, output string) *Event {
	return &Event{Type: EventTypeConversationItemCreate, Param: &EventParamItem{
		Item: map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	}}
}

func responseCreateEvent() *Event {
	return &Event{Type: EventTypeResponseCreate, Param: &EventParamResponseCreate{}}
}

func toolResultEvent(callID, toolName, output string) *Event {
	return &Event{Type: EventTypeToolResult, Param: &EventParamToolResult{
		CallId: callID, ToolName: toolName, Output: output,
	}}
}

func errorEvent(code, message string) *Event {
	return &Event{Type: EventTypeError, Param: &EventParamError{
		Type: "relay_error", Code: code, Message: message,
	}}
}
