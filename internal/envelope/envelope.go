// Package envelope defines the sealed transport unit and the channel router.
//
// Envelopes are opaque to the relay and the sync pipeline: both operate on
// routing metadata only and must never need the ciphertext to make a decision.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Channel is a logical stream used to classify and route envelopes.
type Channel string

const (
	// ChannelChatSecret carries pairing and key-exchange traffic only.
	ChannelChatSecret Channel = "chatSecret"
	// ChannelCommunication carries bidirectional live session traffic.
	ChannelCommunication Channel = "communication"
	// ChannelConversation is the default stream for everything else.
	ChannelConversation Channel = "conversation"
	// ChannelNone marks events that never leave the originating device.
	ChannelNone Channel = ""
)

// AlgXChaCha20Poly1305 is the only sealing algorithm currently produced.
const AlgXChaCha20Poly1305 = "xchacha20poly1305"

// SchemaVersion is stamped into envelope metadata on creation.
const SchemaVersion = 1

const maxCiphertextBytes = 1 << 20

var (
	ErrMissingSessionID = errors.New("envelope session id is required")
	ErrMissingEventID   = errors.New("envelope event id is required")
	ErrMissingSender    = errors.New("envelope sender device id is required")
	ErrInvalidChannel   = errors.New("envelope channel is invalid")
	ErrInvalidPayload   = errors.New("envelope payload is invalid")
)

// SealedPayload is the ciphertext portion of an envelope. Nonce and
// Ciphertext are opaque to every component except the session key holder.
type SealedPayload struct {
	Alg        string `json:"alg"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Meta carries client-side bookkeeping that the relay may log but never
// interprets.
type Meta struct {
	ClientTS      time.Time `json:"clientTs"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Envelope is the unit of transport and storage.
type Envelope struct {
	SessionID      string        `json:"sessionId"`
	Channel        Channel       `json:"channel"`
	EventID        string        `json:"eventId"`
	Seq            uint64        `json:"sequenceNumber"`
	SenderDeviceID string        `json:"senderDeviceId"`
	CreatedAt      time.Time     `json:"createdAt"`
	Payload        SealedPayload `json:"payload"`
	Meta           Meta          `json:"meta"`
}

// Validate checks the structural shape of an envelope. It deliberately never
// inspects payload contents beyond sizes; the relay and sync store stay
// crypto-blind.
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return ErrMissingSessionID
	}
	if e.EventID == "" {
		return ErrMissingEventID
	}
	if e.SenderDeviceID == "" {
		return ErrMissingSender
	}
	switch e.Channel {
	case ChannelChatSecret, ChannelCommunication, ChannelConversation:
	default:
		return fmt.Errorf("channel %q: %w", e.Channel, ErrInvalidChannel)
	}
	if e.Payload.Alg == "" {
		return fmt.Errorf("missing alg: %w", ErrInvalidPayload)
	}
	if len(e.Payload.Nonce) == 0 {
		return fmt.Errorf("missing nonce: %w", ErrInvalidPayload)
	}
	if len(e.Payload.Ciphertext) == 0 {
		return fmt.Errorf("missing ciphertext: %w", ErrInvalidPayload)
	}
	if len(e.Payload.Ciphertext) > maxCiphertextBytes {
		return fmt.Errorf("ciphertext is %d bytes (limit %d): %w", len(e.Payload.Ciphertext), maxCiphertextBytes, ErrInvalidPayload)
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate shared payload buffers.
func (e Envelope) Clone() Envelope {
	out := e
	out.Payload.Nonce = append([]byte(nil), e.Payload.Nonce...)
	out.Payload.Ciphertext = append([]byte(nil), e.Payload.Ciphertext...)
	return out
}
