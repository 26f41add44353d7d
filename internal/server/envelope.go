// Package server defines the chat event envelope exchanged between the relay
// and its clients, together with the JSON codec used on the wire.
package server

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind tags a chat event as either a user message or a server-generated
// notification. No other kinds exist.
type Kind int

const (
	// UserMessage is a line of text sent by a connected client.
	UserMessage Kind = iota
	// SystemNotification is a server-generated event such as a client
	// joining or leaving the chat.
	SystemNotification
)

const (
	kindUserMessage        = "UserMessage"
	kindSystemNotification = "SystemNotification"
)

// Fixed notification bodies published at session boundaries.
const (
	noticeJoined = "joined the chat"
	noticeLeft   = "left the chat"
)

// timestampLayout is the wall-clock format carried in every envelope.
const timestampLayout = "15:04:05"

// now is swapped out by tests that need a fixed clock.
var now = time.Now

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	switch k {
	case UserMessage:
		return json.Marshal(kindUserMessage)
	case SystemNotification:
		return json.Marshal(kindSystemNotification)
	default:
		return nil, fmt.Errorf("envelope: unknown kind %d", int(k))
	}
}

// UnmarshalJSON decodes a wire name back into a Kind. Any name outside the
// closed set is rejected.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("envelope: decode kind: %w", err)
	}
	switch name {
	case kindUserMessage:
		*k = UserMessage
	case kindSystemNotification:
		*k = SystemNotification
	default:
		return fmt.Errorf("envelope: unknown kind %q", name)
	}
	return nil
}

// Envelope is one chat event in its wire-ready form. It is constructed
// immediately before publication, encoded once, and never retained.
type Envelope struct {
	Sender string `json:"username"`
	Body   string `json:"content"`
	SentAt string `json:"timestamp"`
	Kind   Kind   `json:"message_type"`
}

// NewUserMessage builds an envelope for a line of client text. The timestamp
// is captured at construction time.
func NewUserMessage(sender, body string) Envelope {
	return Envelope{
		Sender: sender,
		Body:   body,
		SentAt: now().Format(timestampLayout),
		Kind:   UserMessage,
	}
}

// NewJoinNotification builds the notification published when a client
// completes its handshake.
func NewJoinNotification(sender string) Envelope {
	return newNotification(sender, noticeJoined)
}

// NewLeaveNotification builds the notification published when a session
// closes, whichever path triggered it.
func NewLeaveNotification(sender string) Envelope {
	return newNotification(sender, noticeLeft)
}

func newNotification(sender, body string) Envelope {
	return Envelope{
		Sender: sender,
		Body:   body,
		SentAt: now().Format(timestampLayout),
		Kind:   SystemNotification,
	}
}

// Encode serializes the envelope to its JSON wire form. The result contains
// no newline, so it is self-delimiting under the line-framed transport.
// A failure is fatal to this envelope only, never to the session.
func (e Envelope) Encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope parses one wire payload back into an envelope. The relay
// path never decodes; this is for clients and tests.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return Envelope{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return e, nil
}
