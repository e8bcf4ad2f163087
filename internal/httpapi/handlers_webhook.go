package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/emily-flambe/orca-sub001/internal/synchronizer"
	"github.com/emily-flambe/orca-sub001/internal/tracker"
)

const webhookSignatureHeader = "Linear-Signature"

// webhookPayload is the subset of the inbound tracker event the handoff to
// the synchronizer needs.
type webhookPayload struct {
	Type string `json:"type"`
	Data struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
		ProjectID   string `json:"projectId"`
		TeamID      string `json:"teamId"`
		State       struct {
			Name string `json:"name"`
		} `json:"state"`
	} `json:"data"`
	Action string `json:"action"`
}

const issueEventType = "Issue"

// handleWebhook serves POST /api/webhooks/linear. The signature is verified
// over the raw request bytes, never a re-serialized parse. A bad signature
// or an unparseable payload is rejected with 401 and an unreadable body
// with 400, in each case before the synchronizer is reached.
func (h *apiHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !h.verifyWebhookSignature(r.Header.Get(webhookSignatureHeader), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if payload.Type != issueEventType {
		w.WriteHeader(http.StatusOK)
		return
	}
	if len(h.webhookProjectIDs) > 0 && !h.webhookProjectIDs[payload.Data.ProjectID] {
		w.WriteHeader(http.StatusOK)
		return
	}

	ev := synchronizer.WebhookEvent{
		Action:    payload.Action,
		ProjectID: payload.Data.ProjectID,
		Issue: tracker.Issue{
			ID:          payload.Data.ID,
			Title:       payload.Data.Title,
			Description: payload.Data.Description,
			ProjectID:   payload.Data.ProjectID,
			TeamID:      payload.Data.TeamID,
			StateName:   payload.Data.State.Name,
		},
	}
	if err := h.sync.ProcessWebhook(r.Context(), ev); err != nil {
		h.logger.Warn("httpapi: webhook processing failed for issue %s: %v", ev.Issue.ID, err)
	}
	w.WriteHeader(http.StatusOK)
}

func (h *apiHandler) verifyWebhookSignature(provided string, body []byte) bool {
	if provided == "" || h.webhookSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
