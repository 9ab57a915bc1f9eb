// Package protocol defines the websocket wire format for chat sessions.
// Clients send text messages and control actions; the server streams reply
// deltas and closes each turn with a full result envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientMessage  MessageType = "client_message"
	TypeClientControl  MessageType = "client_control"
	TypeSessionStarted MessageType = "session_started"
	TypeReplyDelta     MessageType = "reply_delta"
	TypeReplyEnd       MessageType = "reply_end"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions accepted in ClientControl.
const (
	ActionPing = "ping"
	ActionEnd  = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is one user utterance. ClientMsgID is an optional client
// correlation token echoed back on ReplyEnd; Mode optionally overrides the
// session's reply mode for this message only.
type ClientMessage struct {
	Type        MessageType `json:"type"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Mode        string      `json:"mode,omitempty"`
	Text        string      `json:"text"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action"`
}

// SessionStarted is the first frame on every connection: it tells the
// client its session id and where the garden currently stands.
type SessionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	PersonaID string      `json:"persona_id"`
	Mode      string      `json:"mode"`
	Stage     int         `json:"stage"`
}

// ReplyDelta streams one chunk of the assistant reply. Turns run one at a
// time per session, so deltas between two ReplyEnd frames belong to the
// same turn; ClientMsgID is echoed when the client supplied one.
type ReplyDelta struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	TextDelta   string      `json:"text_delta"`
}

// Milestone is the wire view of a growth event; internal record fields
// that clients have no use for are not exposed.
type Milestone struct {
	ID         string `json:"milestone_id"`
	EmotionTag string `json:"emotion_tag"`
	Day        string `json:"day"`
}

// ReplyEnd closes a turn. Fallback marks a canned persona reply after a
// generation failure; Degraded marks a turn where a post-reply step failed
// and stage/milestone fields carry no claims.
type ReplyEnd struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	TurnID        string      `json:"turn_id"`
	ClientMsgID   string      `json:"client_msg_id,omitempty"`
	Reply         string      `json:"reply"`
	EmotionTag    string      `json:"emotion_tag,omitempty"`
	Intensity     int         `json:"intensity,omitempty"`
	Stage         int         `json:"stage"`
	StageAdvanced bool        `json:"stage_advanced"`
	Milestone     *Milestone  `json:"milestone,omitempty"`
	Fallback      bool        `json:"fallback"`
	Degraded      bool        `json:"degraded"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientMessage:
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid client_message: empty text")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionEnd:
			return msg, nil
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
	default:
		return nil, ErrUnsupportedType
	}
}
