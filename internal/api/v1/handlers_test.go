package apiv1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apiv1 "github.com/ManuelReschke/HookFox/internal/api/v1"
	"github.com/ManuelReschke/HookFox/internal/pkg/drain"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue"
	"github.com/ManuelReschke/HookFox/internal/pkg/queue/queuetest"
	"github.com/ManuelReschke/HookFox/internal/pkg/router"
	"github.com/ManuelReschke/HookFox/internal/pkg/verification"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

const (
	testWebhookSecret = "whsec_test_0123456789"
	testAdminSecret   = "admin_test_secret"
)

func newTestApp(t *testing.T, fake *queuetest.FakeUpstream) *fiber.App {
	t.Helper()

	env.Env = map[string]string{
		"WEBHOOK_SECRET": testWebhookSecret,
		"ADMIN_SECRET":   testAdminSecret,
	}
	t.Cleanup(func() { env.Env = nil })

	store := fake.Store(t)
	tokens := verification.NewChannel(nil)
	manager := drain.NewManager(drain.NewWorker(store, drain.NewRegistry()))

	app := fiber.New()
	router.InstallRouter(app, apiv1.NewAPIServer(store, tokens, manager))
	return app
}

func postWebhook(t *testing.T, app *fiber.App, body string, sign bool) *http.Response {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	if sign {
		req.Header.Set(apiv1.DefaultSignatureHeader, webhook.ComputeSignature(testWebhookSecret, []byte(body)))
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	parsed := map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &parsed))
	return parsed
}

func TestGetPing(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", decodeBody(t, resp)["ping"])
}

func TestWebhookVerificationHandshakeEchoesToken(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))

	// The handshake happens before any shared secret exists, so it is unsigned
	resp := postWebhook(t, app, `{"verification_token":"vtok_handshake_value_1"}`, false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "vtok_handshake_value_1", decodeBody(t, resp)["verification_token"])
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))
	body := `{"id":"evt_1","type":"page.updated","entity":{"type":"page","id":"pg_1"}}`

	t.Run("missing signature", func(t *testing.T) {
		resp := postWebhook(t, app, body, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader([]byte(body)))
		req.Header.Set(apiv1.DefaultSignatureHeader, webhook.ComputeSignature("wrong-secret", []byte(body)))
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestWebhookRequiresConfiguredSecret(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))
	delete(env.Env, "WEBHOOK_SECRET")

	resp := postWebhook(t, app, `{"id":"evt_1"}`, false)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestWebhookRejectsBadPayloads(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))

	t.Run("malformed JSON", func(t *testing.T) {
		resp := postWebhook(t, app, `{"id":`, true)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing event id", func(t *testing.T) {
		resp := postWebhook(t, app, `{"type":"page.updated"}`, true)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWebhookQueuesAndDedupesEvent(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	app := newTestApp(t, fake)
	body := `{"id":"evt_1","type":"page.updated","entity":{"type":"page","id":"pg_1"}}`

	resp := postWebhook(t, app, body, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	parsed := decodeBody(t, resp)
	assert.Equal(t, true, parsed["ok"])
	assert.Nil(t, parsed["deduped"])

	rows := fake.ByEvent("evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, string(queue.StatusNew), rows[0].Props["status"])
	assert.Equal(t, false, rows[0].Props["needsHumanReview"])
	assert.Equal(t, "page.updated", rows[0].Props["type"])
	assert.Equal(t, "page", rows[0].Props["objectType"])
	assert.Equal(t, "pg_1", rows[0].Props["objectId"])

	// Duplicate delivery collapses into a no-op
	resp = postWebhook(t, app, body, true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	parsed = decodeBody(t, resp)
	assert.Equal(t, true, parsed["ok"])
	assert.Equal(t, true, parsed["deduped"])
	assert.Len(t, fake.ByEvent("evt_1"), 1)
}

func TestWebhookThenDrainReachesReview(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	app := newTestApp(t, fake)
	body := `{"id":"evt_1","type":"page.updated","entity":{"type":"page","id":"pg_1"}}`

	resp := postWebhook(t, app, body, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	worker := drain.NewWorker(fake.Store(t), drain.NewRegistry())
	summary := worker.RunOnce(context.Background())
	assert.Equal(t, 1, summary.Review)

	rows := fake.ByEvent("evt_1")
	require.Len(t, rows, 1)
	assert.Equal(t, string(queue.StatusNeedsReview), rows[0].Props["status"])
	assert.Equal(t, true, rows[0].Props["needsHumanReview"])
}

func TestAdminVerificationTokenEndpoint(t *testing.T) {
	app := newTestApp(t, queuetest.NewFakeUpstream(t))

	t.Run("missing admin secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/verification-token", nil)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong admin secret", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/verification-token", nil)
		req.Header.Set("X-Admin-Secret", "guess")
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("no token available", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/verification-token", nil)
		req.Header.Set("X-Admin-Secret", testAdminSecret)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAdminDrainEndpoint(t *testing.T) {
	fake := queuetest.NewFakeUpstream(t)
	app := newTestApp(t, fake)
	fake.AddRow("evt_1", queue.StatusNew, time.Now().Add(-time.Minute))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/drain", nil)
	req.Header.Set("X-Admin-Secret", testAdminSecret)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	parsed := decodeBody(t, resp)
	assert.Equal(t, float64(1), parsed["picked"])
	assert.Equal(t, float64(1), parsed["review"])
}
