package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// Service names one of the supported model backends.
type Service string

const (
	ServiceAzure   Service = "Azure"
	ServiceBedrock Service = "Bedrock"
)

// DefaultService is used when a request does not name a backend.
const DefaultService = ServiceAzure

// Services lists every backend the dispatcher can route to.
var Services = []Service{ServiceAzure, ServiceBedrock}

// Valid reports whether s is one of the known backends.
func (s Service) Valid() bool {
	switch s {
	case ServiceAzure, ServiceBedrock:
		return true
	default:
		return false
	}
}

// Role tags a conversational message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn of a conversation.
type Message struct {
	Role    Role   `json:"role" validate:"oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatRequest is the backend-neutral input to a streaming call.
type ChatRequest struct {
	Deployment string
	Messages   []Message
	Params     Params
}

// Transcript captures one finished invocation. AssistantResponse is the
// concatenation of every fragment relayed to the caller.
type Transcript struct {
	Service           Service   `json:"service"`
	Deployment        string    `json:"deployment,omitempty"`
	History           []Message `json:"history"`
	UserMessage       string    `json:"userMessage"`
	AssistantResponse string    `json:"assistantResponse"`
	Error             string    `json:"error,omitempty"`
}

// Callback is the raw JSON value of a request's callback field.
type Callback json.RawMessage

// MarshalJSON keeps the raw value intact.
func (c Callback) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return []byte("null"), nil
	}
	return []byte(c), nil
}

// UnmarshalJSON stores a copy of the raw value.
func (c *Callback) UnmarshalJSON(data []byte) error {
	if c == nil {
		return errors.New("callback: UnmarshalJSON on nil pointer")
	}
	*c = append((*c)[:0], data...)
	return nil
}

// Present reports whether the callback holds a truthy JSON value.
func (c Callback) Present() bool {
	raw := bytes.TrimSpace(c)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "false", `""`:
		return false
	}
	if c := raw[0]; c == '-' || (c >= '0' && c <= '9') {
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n != 0
		}
	}
	return true
}

// URL returns the callback as an absolute http(s) URL, if it is one.
func (c Callback) URL() (*url.URL, bool) {
	var s string
	if err := json.Unmarshal(c, &s); err != nil {
		return nil, false
	}
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	return u, true
}

// AssembleMessages orders the conversation as system prompt, prior history and
// the current query.
func AssembleMessages(systemPrompt string, history []Message, queryPrompt string) ([]Message, error) {
	messages := make([]Message, 0, len(history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, history...)
	if queryPrompt != "" {
		messages = append(messages, Message{Role: RoleUser, Content: queryPrompt})
	}
	if len(messages) == 0 {
		return nil, errors.New("no valid messages provided")
	}
	return messages, nil
}
