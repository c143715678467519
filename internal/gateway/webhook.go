package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"evictguard/internal/types"
)

// Webhook audit outcomes. They double as the WebhookRequest metric label.
const (
	OutcomeAccepted      = "accepted"
	OutcomeUnauthorized  = "unauthorized"
	OutcomeInvalid       = "invalid"
	OutcomeEnqueueFailed = "enqueue_failed"
)

// timestampLayout is ISO-8601 UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// webhookPayload is the validated webhook body.
type webhookPayload struct {
	ResourceGroup string `json:"resourceGroup" validate:"required,max=90,resource_name"`
	VMName        string `json:"vmName" validate:"required,max=80,resource_name"`
	EventID       string `json:"eventId" validate:"omitempty,max=128,resource_name"`
}

type webhookResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// HandleWebhook authenticates an eviction notification, validates its
// target coordinates and enqueues a recovery task.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !s.authorized(r.Header.Get("Authorization")) {
		s.audit(r, slog.LevelWarn, OutcomeUnauthorized, nil, "invalid or missing credential")
		Text(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	payload, appErr := s.decodePayload(w, r)
	if appErr != nil {
		s.audit(r, slog.LevelWarn, OutcomeInvalid, nil, appErr.Message)
		Text(w, http.StatusBadRequest, appErr.Message)
		return
	}

	now := s.now().UTC()
	episode := payload.EventID
	if episode == "" {
		episode = types.ReceiptEpisode
	}
	task := types.RecoveryTask{
		TaskID:        types.DeriveTaskID(payload.ResourceGroup, payload.VMName, episode),
		ResourceGroup: payload.ResourceGroup,
		InstanceName:  payload.VMName,
		EpisodeKey:    episode,
		QueuedAt:      now,
		Status:        types.TaskStatusPending,
		RequestID:     types.GetRequestID(ctx),
	}

	if err := s.producer.Send(ctx, task); err != nil {
		s.audit(r, slog.LevelError, OutcomeEnqueueFailed, &task, err.Error())
		Text(w, http.StatusInternalServerError, "Failed to queue VM restart")
		return
	}
	s.Recorder.TaskEnqueued(ctx)
	s.audit(r, slog.LevelInfo, OutcomeAccepted, &task, "")

	JSON(w, http.StatusOK, webhookResponse{
		Success:   true,
		Message:   "VM queued: " + task.Target(),
		Timestamp: now.Format(timestampLayout),
	})
}

// authorized compares SHA-256 digests so neither content nor length of the
// configured key leaks through timing.
func (s *Server) authorized(header string) bool {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	digest := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(digest[:], s.apiKeyDigest[:]) == 1
}

// decodePayload reads and validates the body. Checks run in a fixed order:
// required fields present and non-empty, fields are strings, then charset.
func (s *Server) decodePayload(w http.ResponseWriter, r *http.Request) (webhookPayload, *types.AppError) {
	var raw map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(&raw); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return webhookPayload{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "Request body too large", err)
		}
		return webhookPayload{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "Invalid JSON body", err)
	}

	for _, field := range []string{"resourceGroup", "vmName"} {
		v, ok := raw[field]
		if !ok || v == nil || v == "" {
			return webhookPayload{}, types.NewAppError(types.ErrCodeValidationMissingField,
				"Missing required fields: resourceGroup and vmName", nil)
		}
	}

	var p webhookPayload
	var ok bool
	if p.ResourceGroup, ok = raw["resourceGroup"].(string); !ok {
		return p, invalidType("resourceGroup")
	}
	if p.VMName, ok = raw["vmName"].(string); !ok {
		return p, invalidType("vmName")
	}
	if v, present := raw["eventId"]; present && v != nil {
		if p.EventID, ok = v.(string); !ok {
			return p, invalidType("eventId")
		}
	}

	if err := s.validate.Struct(p); err != nil {
		msg := "Invalid request fields"
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = "Invalid characters in " + verrs[0].Field()
			if verrs[0].Tag() == "max" {
				msg = verrs[0].Field() + " is too long"
			}
		}
		return p, types.NewAppError(types.ErrCodeValidationInvalidCharacter, msg, err)
	}
	return p, nil
}

func invalidType(field string) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidType, field+" must be a string", nil)
}

// audit writes one structured record per webhook request and counts it.
// The Authorization header is never part of the record.
func (s *Server) audit(r *http.Request, level slog.Level, outcome string, task *types.RecoveryTask, reason string) {
	ctx := r.Context()
	s.Recorder.WebhookRequest(ctx, outcome)

	attrs := []slog.Attr{
		slog.Bool("audit", true),
		slog.String("outcome", outcome),
		slog.Time("received_at", s.now().UTC()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", types.GetRequestID(ctx)),
	}
	if task != nil {
		attrs = append(attrs,
			slog.String("resource_group", task.ResourceGroup),
			slog.String("instance_name", task.InstanceName),
			slog.String("task_id", task.TaskID),
			slog.String("episode_key", task.EpisodeKey),
		)
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	s.Logger.LogAttrs(ctx, level, "webhook request", attrs...)
}
