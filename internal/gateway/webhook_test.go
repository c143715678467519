package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evictguard/internal/types"
)

func TestHandleWebhook_Accepted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey,
		`{"resourceGroup":"prod-rg","vmName":"spot_vm-01","eventId":"A123-B456"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "VM queued: prod-rg/spot_vm-01", body.Message)
	assert.Equal(t, "2026-03-14T09:26:53.589Z", body.Timestamp)

	sent := ts.producer.sent()
	require.Len(t, sent, 1)
	task := sent[0]
	assert.Equal(t, "prod-rg", task.ResourceGroup)
	assert.Equal(t, "spot_vm-01", task.InstanceName)
	assert.Equal(t, "A123-B456", task.EpisodeKey)
	assert.Equal(t, types.DeriveTaskID("prod-rg", "spot_vm-01", "A123-B456"), task.TaskID)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Zero(t, task.Attempt)
	assert.Equal(t, ts.now(), task.QueuedAt)
	assert.NoError(t, task.Validate())

	assert.Equal(t, []string{OutcomeAccepted}, ts.recorder.outcomes)
	assert.Equal(t, 1, ts.recorder.enqueued)
	assert.Contains(t, ts.logs.String(), `"task_id":"`+task.TaskID+`"`)
}

func TestHandleWebhook_EpisodeKeyFallsBackToReceipt(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2026, 3, 1, 10, 9, 59, 0, time.UTC)

	// Two sends of one notice straddling a ten-minute boundary.
	for _, at := range []time.Time{base, base.Add(2 * time.Second)} {
		ts.Server.now = func() time.Time { return at }
		rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey, `{"resourceGroup":"rg","vmName":"vm"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	sent := ts.producer.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, types.ReceiptEpisode, sent[0].EpisodeKey)
	assert.Equal(t, sent[0].TaskID, sent[1].TaskID, "both sends collapse onto one task")
	assert.NoError(t, sent[0].Validate())
}

func TestHandleWebhook_Unauthorized(t *testing.T) {
	tests := []struct {
		name string
		auth string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic " + testAPIKey},
		{"empty token", "Bearer "},
		{"wrong key", "Bearer nope"},
		{"key prefix", "Bearer " + testAPIKey[:4]},
		{"key with suffix", "Bearer " + testAPIKey + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPost, "/webhook", tt.auth, `{"resourceGroup":"rg","vmName":"vm"}`)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthorized", rec.Body.String())
			assert.Empty(t, ts.producer.sent())
			assert.Equal(t, []string{OutcomeUnauthorized}, ts.recorder.outcomes)
		})
	}
}

func TestHandleWebhook_CredentialCheckedBeforeBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/webhook", "Bearer nope", `not json`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWebhook_InvalidPayload(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"malformed json", `{"resourceGroup":`, "Invalid JSON body"},
		{"not an object", `["rg","vm"]`, "Invalid JSON body"},
		{"missing vmName", `{"resourceGroup":"rg"}`, "Missing required fields: resourceGroup and vmName"},
		{"empty resourceGroup", `{"resourceGroup":"","vmName":"vm"}`, "Missing required fields: resourceGroup and vmName"},
		{"null vmName", `{"resourceGroup":"rg","vmName":null}`, "Missing required fields: resourceGroup and vmName"},
		{"numeric vmName", `{"resourceGroup":"rg","vmName":42}`, "vmName must be a string"},
		{"object resourceGroup", `{"resourceGroup":{"a":1},"vmName":"vm"}`, "resourceGroup must be a string"},
		{"numeric eventId", `{"resourceGroup":"rg","vmName":"vm","eventId":7}`, "eventId must be a string"},
		{"path separator", `{"resourceGroup":"rg/../x","vmName":"vm"}`, "Invalid characters in resourceGroup"},
		{"space in vm", `{"resourceGroup":"rg","vmName":"my vm"}`, "Invalid characters in vmName"},
		{"query in eventId", `{"resourceGroup":"rg","vmName":"vm","eventId":"e?x=1"}`, "Invalid characters in eventId"},
		{"overlong vm", `{"resourceGroup":"rg","vmName":"` + strings.Repeat("v", 81) + `"}`, "vmName is too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey, tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantMsg, rec.Body.String())
			assert.Empty(t, ts.producer.sent())
			assert.Equal(t, []string{OutcomeInvalid}, ts.recorder.outcomes)
		})
	}
}

func TestHandleWebhook_MissingCheckedBeforeType(t *testing.T) {
	ts := newTestServer(t)
	// vmName has the wrong type but resourceGroup is absent; absence wins.
	rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey, `{"vmName":42}`)
	assert.Equal(t, "Missing required fields: resourceGroup and vmName", rec.Body.String())
}

func TestHandleWebhook_BodyTooLarge(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.MaxBodyBytes = 64 })

	body := `{"resourceGroup":"rg","vmName":"vm","pad":"` + strings.Repeat("x", 128) + `"}`
	rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey, body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Request body too large", rec.Body.String())
	assert.Empty(t, ts.producer.sent())
}

func TestHandleWebhook_EnqueueFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.producer.err = types.NewAppError(types.ErrCodeQueueUnavailable, "send message", errors.New("connection refused"))

	rec := ts.do(http.MethodPost, "/webhook", "Bearer "+testAPIKey, `{"resourceGroup":"rg","vmName":"vm"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to queue VM restart", rec.Body.String())
	assert.Equal(t, []string{OutcomeEnqueueFailed}, ts.recorder.outcomes)
	assert.Zero(t, ts.recorder.enqueued)
	assert.Contains(t, ts.logs.String(), "connection refused")
}
