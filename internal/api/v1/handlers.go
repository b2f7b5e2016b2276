package apiv1

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/HookFox/internal/pkg/drain"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
	"github.com/ManuelReschke/HookFox/internal/pkg/upstream"
	"github.com/ManuelReschke/HookFox/internal/pkg/verification"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// DefaultSignatureHeader carries the platform's HMAC signature of the raw body
const DefaultSignatureHeader = "X-Signature"

// APIServer implements the JSON endpoints
type APIServer struct {
	store   *queue.Store
	tokens  *verification.Channel
	manager *drain.Manager
}

// NewAPIServer creates a new API server instance
func NewAPIServer(store *queue.Store, tokens *verification.Channel, manager *drain.Manager) *APIServer {
	return &APIServer{store: store, tokens: tokens, manager: manager}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

// PostWebhook ingests one change event from the external platform.
// Verification handshakes bypass the signature check; everything else must
// carry a valid HMAC over the exact raw body bytes.
func (s *APIServer) PostWebhook(c *fiber.Ctx) error {
	body := c.Body()

	// One-time subscription bootstrap: store the token for the admin
	// consumer and echo it back as the handshake protocol requires
	if bootstrap, ok := webhook.ParseBootstrap(body); ok {
		s.tokens.Store(bootstrap.VerificationToken)
		log.Infof("[Webhook] Verification handshake received, token %s", verification.Redact(bootstrap.VerificationToken))
		return c.JSON(fiber.Map{"verification_token": bootstrap.VerificationToken})
	}

	secret := env.GetEnv("WEBHOOK_SECRET", "")
	if secret == "" {
		log.Error("[Webhook] WEBHOOK_SECRET not configured")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Webhook secret not configured"})
	}

	sigHeader := env.GetEnv("WEBHOOK_SIGNATURE_HEADER", DefaultSignatureHeader)
	if !webhook.VerifySignature(secret, body, c.Get(sigHeader)) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid signature"})
	}

	envelope, err := webhook.ParseEnvelope(body)
	if err != nil {
		msg := "Malformed JSON body"
		if errors.Is(err, webhook.ErrMissingField) {
			msg = "Missing event id"
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": msg})
	}

	// Collapse duplicate deliveries before writing; the platform redelivers
	// on transient failures
	existing, err := s.store.FindByEventID(c.Context(), envelope.ID)
	if err != nil {
		return s.upstreamFailure(c, err)
	}
	if len(existing) > 0 {
		log.Infof("[Webhook] Event %s already queued, deduped", envelope.ID)
		return c.JSON(fiber.Map{"ok": true, "deduped": true})
	}

	rec := queue.Record{
		EventID:          envelope.ID,
		Type:             envelope.Type,
		ObjectType:       envelope.Entity.Type,
		ObjectID:         envelope.Entity.ID,
		SourceURL:        envelope.URL,
		Payload:          string(body),
		Status:           queue.StatusNew,
		NeedsHumanReview: false,
		Log:              queue.LogLine("ingested via webhook"),
	}
	if _, err := s.store.Create(c.Context(), rec); err != nil {
		return s.upstreamFailure(c, err)
	}

	log.Infof("[Webhook] Queued event %s (type %s)", envelope.ID, envelope.Type)
	return c.JSON(fiber.Map{"ok": true})
}

// GetAdminVerificationToken hands out the stored verification token exactly
// once. Admin secret is enforced by middleware on the route group.
func (s *APIServer) GetAdminVerificationToken(c *fiber.Ctx) error {
	token, ok := s.tokens.Consume()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "No verification token available"})
	}
	return c.JSON(fiber.Map{"verification_token": token})
}

// PostAdminDrain triggers one drain run on demand and returns its summary
func (s *APIServer) PostAdminDrain(c *fiber.Ctx) error {
	summary := s.manager.RunNow(c.Context())
	return c.JSON(summary)
}

func (s *APIServer) upstreamFailure(c *fiber.Ctx, err error) error {
	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		log.Errorf("[Webhook] Upstream call failed with status %d: %s", upErr.Status, upErr.Body)
	} else {
		log.Errorf("[Webhook] Upstream call failed: %v", err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Queue store unavailable"})
}
