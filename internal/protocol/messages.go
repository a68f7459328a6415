package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/fieldwatch/internal/events"
)

// MessageType identifies websocket payload variants on the live feed.
type MessageType string

const (
	TypeClientPing   MessageType = "client_ping"
	TypeClientFilter MessageType = "client_filter"
	TypeSessionEvent MessageType = "session_event"
	TypeSystemEvent  MessageType = "system_event"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientPing struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"tsMs"`
}

// ClientFilter narrows the feed to one supervisor. Zero clears the filter.
type ClientFilter struct {
	Type         MessageType `json:"type"`
	SupervisorID int64       `json:"supervisorId"`
}

type SessionEvent struct {
	Type  MessageType  `json:"type"`
	Event events.Event `json:"event"`
}

type SystemEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func NewSessionEvent(e events.Event) SessionEvent {
	return SessionEvent{Type: TypeSessionEvent, Event: e}
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPing:
		var msg ClientPing
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientFilter:
		var msg ClientFilter
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SupervisorID < 0 {
			return nil, errors.New("invalid client_filter")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
