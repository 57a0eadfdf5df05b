package palai

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Result is the parsed body of a 2xx response.
type Result struct {
	Status int
	Raw    json.RawMessage
}

// Succeeded applies the backend success-shape rules to the body.
func (r *Result) Succeeded() bool { return Succeeded(r.Raw) }

// ExplicitFailure reports whether the body carries success=false.
func (r *Result) ExplicitFailure() bool {
	s := gjson.GetBytes(r.Raw, "success")
	return s.Type == gjson.False
}

// ExplicitSuccess reports whether the body carries success=true.
func (r *Result) ExplicitSuccess() bool {
	return gjson.GetBytes(r.Raw, "success").Type == gjson.True
}

// Message returns the human readable message, if the body has one.
func (r *Result) Message() string {
	m := gjson.GetBytes(r.Raw, "message")
	if m.Type != gjson.String {
		return ""
	}
	return m.Str
}

// Data returns the data envelope, or nil when absent or null.
func (r *Result) Data() json.RawMessage {
	d := gjson.GetBytes(r.Raw, "data")
	if !d.Exists() || d.Type == gjson.Null {
		return nil
	}
	return json.RawMessage(d.Raw)
}

// Decode unmarshals the data envelope into v, or the whole body when the
// backend answered without one.
func (r *Result) Decode(v interface{}) error {
	raw := r.Data()
	if raw == nil {
		raw = r.Raw
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

// Succeeded reports whether a 2xx body signals success. Shapes are checked in
// order and the first one present decides:
//
//  1. a boolean "success" field
//  2. a string "status" field, successful only when equal to "success"
//  3. a non-null "data" field
func Succeeded(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	root := gjson.ParseBytes(body)
	if s := root.Get("success"); s.Type == gjson.True || s.Type == gjson.False {
		return s.Bool()
	}
	if st := root.Get("status"); st.Type == gjson.String {
		return st.Str == "success"
	}
	d := root.Get("data")
	return d.Exists() && d.Type != gjson.Null
}

// unwrapMessage accepts a live event payload that is either a bare message or
// wrapped under "message".
func unwrapMessage(raw []byte) (json.RawMessage, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	root := gjson.ParseBytes(raw)
	if inner := root.Get("message"); inner.IsObject() {
		return json.RawMessage(inner.Raw), true
	}
	if !root.IsObject() {
		return nil, false
	}
	return json.RawMessage(root.Raw), true
}

// decodeMessage parses a message payload, unwrapping it when needed.
func decodeMessage(raw []byte) (Message, json.RawMessage, error) {
	payload, ok := unwrapMessage(raw)
	if !ok {
		return Message{}, nil, errors.New("payload is not a message object")
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, nil, errors.Wrap(err, "decode message")
	}
	if m.ID == "" {
		return Message{}, nil, errors.New("message payload has no id")
	}
	return m, payload, nil
}

// messageList extracts the message array from a list response. The backend
// returns it as data, data.messages or a bare array.
func messageList(body []byte) ([]Message, error) {
	root := gjson.ParseBytes(body)
	var arr gjson.Result
	switch {
	case root.IsArray():
		arr = root
	case root.Get("data").IsArray():
		arr = root.Get("data")
	case root.Get("data.messages").IsArray():
		arr = root.Get("data.messages")
	default:
		return nil, errors.New("response has no message list")
	}
	var out []Message
	if err := json.Unmarshal([]byte(arr.Raw), &out); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}
	return out, nil
}

// conversationList extracts the conversation array from a list response.
func conversationList(body []byte) ([]Conversation, error) {
	root := gjson.ParseBytes(body)
	var arr gjson.Result
	switch {
	case root.IsArray():
		arr = root
	case root.Get("data").IsArray():
		arr = root.Get("data")
	case root.Get("data.conversations").IsArray():
		arr = root.Get("data.conversations")
	case root.Get("conversations").IsArray():
		arr = root.Get("conversations")
	default:
		return nil, errors.New("response has no conversation list")
	}
	var out []Conversation
	if err := json.Unmarshal([]byte(arr.Raw), &out); err != nil {
		return nil, errors.Wrap(err, "decode conversations")
	}
	return out, nil
}

// payloadMessage returns data.message, or data when it is itself a message.
func payloadMessage(body []byte) (json.RawMessage, bool) {
	root := gjson.ParseBytes(body)
	if m := root.Get("data.message"); m.IsObject() {
		return json.RawMessage(m.Raw), true
	}
	if d := root.Get("data"); d.IsObject() && d.Get("id").Exists() {
		return json.RawMessage(d.Raw), true
	}
	return nil, false
}
