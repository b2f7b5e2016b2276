package webhook

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformed means the body is not valid JSON. Surfaced as 400.
	ErrMalformed = errors.New("webhook: malformed payload")
	// ErrMissingField means the envelope lacks a required field. Surfaced as 400.
	ErrMissingField = errors.New("webhook: missing required field")
)

var validate = validator.New()

// Entity identifies the external object an event refers to
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Envelope is the verified event body sent by the platform
type Envelope struct {
	ID     string `json:"id" validate:"required"`
	Type   string `json:"type"`
	Entity Entity `json:"entity"`
	URL    string `json:"url"`
}

// Bootstrap is the one-time subscription handshake message. It arrives
// before any shared secret exists, so it bypasses the signature check.
type Bootstrap struct {
	VerificationToken string `json:"verification_token"`
}

// ParseBootstrap reports whether the raw body is a verification handshake
func ParseBootstrap(body []byte) (Bootstrap, bool) {
	var msg Bootstrap
	if err := json.Unmarshal(body, &msg); err != nil {
		return Bootstrap{}, false
	}
	return msg, msg.VerificationToken != ""
}

// ParseEnvelope decodes and validates a signed event body
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, ErrMalformed
	}
	if err := validate.Struct(env); err != nil {
		return Envelope{}, ErrMissingField
	}
	return env, nil
}
