// Package protocol defines the message envelope and type vocabulary spoken on
// the orchestrator's agent, client and service endpoints.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope carried on every endpoint connection. ID is unique
// per sender; RequestID is set iff the message is a reply and then equals the
// request's ID. Content is kept raw so that fields the orchestrator does not
// understand pass through untouched.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
	Content   json.RawMessage `json:"content,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a message of the given type with a fresh UUID and the
// payload marshaled into Content.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	var content json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		content = data
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Content:   content,
	}, nil
}

// NewReply creates a message answering the request with the given ID.
func NewReply(requestID, msgType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}
	msg.RequestID = requestID
	return msg, nil
}

// ErrorContent is the content of a TypeError message.
type ErrorContent struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewError creates an error message. requestID may be empty when the failing
// message carried no usable id.
func NewError(requestID, code, text string, details map[string]interface{}) *Message {
	msg, _ := NewMessage(TypeError, ErrorContent{
		Error:   text,
		Code:    code,
		Details: details,
	})
	msg.RequestID = requestID
	return msg
}

// ParseContent unmarshals the message content into v. A nil content is not an
// error; v is left untouched.
func (m *Message) ParseContent(v interface{}) error {
	if len(m.Content) == 0 {
		return nil
	}
	return json.Unmarshal(m.Content, v)
}

// ContentMap returns the content as a generic map, or an empty map when the
// content is absent or not an object.
func (m *Message) ContentMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(m.Content) == 0 {
		return out
	}
	_ = json.Unmarshal(m.Content, &out)
	return out
}
