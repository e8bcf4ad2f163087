package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhookRejectsMissingSignature(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/linear", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	h.handleWebhook(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	body := []byte(`{"type":"Issue"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/linear", bytes.NewReader(body))
	req.Header.Set(webhookSignatureHeader, "deadbeef")
	rr := httptest.NewRecorder()
	h.handleWebhook(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandleWebhookIgnoresNonIssueEventType(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	body := []byte(`{"type":"Comment"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/linear", bytes.NewReader(body))
	req.Header.Set(webhookSignatureHeader, sign("test-secret", body))
	rr := httptest.NewRecorder()
	h.handleWebhook(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHandleWebhookFiltersByProjectSet(t *testing.T) {
	deps := newTestDeps(t)
	rd := deps.routerDeps()
	rd.WebhookProjectIDs = map[string]bool{"allowed-project": true}
	h := newAPIHandler(rd)

	body := []byte(`{"type":"Issue","action":"update","data":{"id":"task-1","projectId":"other-project","state":{"name":"Todo"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/linear", bytes.NewReader(body))
	req.Header.Set(webhookSignatureHeader, sign("test-secret", body))
	rr := httptest.NewRecorder()
	h.handleWebhook(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	_, err := deps.store.GetTask("task-1")
	require.Error(t, err, "filtered-out project must not reach the synchronizer")
}

func TestHandleWebhookAcceptsValidSignedEvent(t *testing.T) {
	deps := newTestDeps(t)
	h := newAPIHandler(deps.routerDeps())

	body := []byte(`{"type":"Issue","action":"remove","data":{"id":"task-1","projectId":"proj","state":{"name":"Done"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/linear", bytes.NewReader(body))
	req.Header.Set(webhookSignatureHeader, sign("test-secret", body))
	rr := httptest.NewRecorder()
	h.handleWebhook(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
}
