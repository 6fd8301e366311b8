package envelope

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		SessionID:      "sess-1",
		Channel:        ChannelCommunication,
		EventID:        "evt-1",
		Seq:            1,
		SenderDeviceID: "dev-1",
		CreatedAt:      time.Now(),
		Payload: SealedPayload{
			Alg:        AlgXChaCha20Poly1305,
			Nonce:      bytes.Repeat([]byte{1}, 24),
			Ciphertext: bytes.Repeat([]byte{2}, 32),
		},
		Meta: Meta{ClientTS: time.Now(), SchemaVersion: SchemaVersion},
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	env := validEnvelope()
	if err := env.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
		want   error
	}{
		{"session id", func(e *Envelope) { e.SessionID = "" }, ErrMissingSessionID},
		{"event id", func(e *Envelope) { e.EventID = "" }, ErrMissingEventID},
		{"sender", func(e *Envelope) { e.SenderDeviceID = "" }, ErrMissingSender},
		{"channel", func(e *Envelope) { e.Channel = "bogus" }, ErrInvalidChannel},
		{"local channel", func(e *Envelope) { e.Channel = ChannelNone }, ErrInvalidChannel},
		{"alg", func(e *Envelope) { e.Payload.Alg = "" }, ErrInvalidPayload},
		{"nonce", func(e *Envelope) { e.Payload.Nonce = nil }, ErrInvalidPayload},
		{"ciphertext", func(e *Envelope) { e.Payload.Ciphertext = nil }, ErrInvalidPayload},
		{"oversized", func(e *Envelope) { e.Payload.Ciphertext = make([]byte, maxCiphertextBytes+1) }, ErrInvalidPayload},
	}
	for _, tc := range cases {
		env := validEnvelope()
		tc.mutate(&env)
		err := env.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	env := validEnvelope()
	cp := env.Clone()
	cp.Payload.Ciphertext[0] = 0xFF
	cp.Payload.Nonce[0] = 0xFF
	if env.Payload.Ciphertext[0] == 0xFF || env.Payload.Nonce[0] == 0xFF {
		t.Fatal("expected clone to copy payload buffers")
	}
}
