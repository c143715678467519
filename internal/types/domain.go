package types

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// EventKind distinguishes liveness heartbeats from eviction triggers.
type EventKind string

const (
	EventKindHeartbeat EventKind = "heartbeat"
	EventKindEviction  EventKind = "eviction"
)

// EvictionEvent is produced by the detector on the monitored instance.
// Only an eviction event carries a recovery obligation; exactly one is emitted
// per eviction episode.
type EvictionEvent struct {
	InstanceID    string    `json:"instance_id"`
	ResourceGroup string    `json:"resource_group"`
	InstanceName  string    `json:"instance_name"`
	Kind          EventKind `json:"kind"`
	DetectedAt    time.Time `json:"detected_at"`

	// Provider scheduled-event metadata. EventID identifies the episode.
	EventID   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	NotBefore string `json:"not_before,omitempty"`
}

// TaskStatus is the lifecycle state of a RecoveryTask.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether no further execution will happen for the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// RecoveryTask is the unit of work flowing through the task queue. JSON tags
// define the queue message body.
type RecoveryTask struct {
	TaskID        string     `json:"task_id"`
	ResourceGroup string     `json:"resource_group"`
	InstanceName  string     `json:"instance_name"`
	EpisodeKey    string     `json:"episode_key"`
	QueuedAt      time.Time  `json:"queued_at"`
	Status        TaskStatus `json:"status"`
	Attempt       int        `json:"attempt"`
	RequestID     string     `json:"request_id,omitempty"`
}

// Target returns the "resourceGroup/instanceName" coordinates of the task.
func (t RecoveryTask) Target() string {
	return t.ResourceGroup + "/" + t.InstanceName
}

// Validate checks the invariants every queued task must satisfy. Workers call
// it on decoded messages so that a corrupt body never reaches the provider.
func (t RecoveryTask) Validate() error {
	switch {
	case t.TaskID == "":
		return NewAppError(ErrCodeValidationInvalidTask, "task_id is required", nil)
	case !IsValidResourceName(t.ResourceGroup):
		return NewAppError(ErrCodeValidationInvalidTask, "resource_group is invalid", nil)
	case !IsValidResourceName(t.InstanceName):
		return NewAppError(ErrCodeValidationInvalidTask, "instance_name is invalid", nil)
	case t.Attempt < 0:
		return NewAppError(ErrCodeValidationInvalidTask, "attempt must be >= 0", nil)
	}
	if t.TaskID != DeriveTaskID(t.ResourceGroup, t.InstanceName, t.EpisodeKey) {
		return NewAppError(ErrCodeValidationInvalidTask, "task_id does not match target coordinates", nil)
	}
	return nil
}

// ResourceNamePattern is the only character set accepted for resource group,
// instance and episode identifiers. It keeps every downstream identifier
// (ARM URL path segments, claim keys) free of injected separators.
var ResourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IsValidResourceName reports whether s is non-empty and matches ResourceNamePattern.
func IsValidResourceName(s string) bool {
	return ResourceNamePattern.MatchString(s)
}

// taskIDPrefix marks identifiers produced by DeriveTaskID.
const taskIDPrefix = "rt_"

// DeriveTaskID returns the idempotency key for an eviction episode of a
// target. The same (resourceGroup, instanceName, episodeKey) triple always
// yields the same identifier, so duplicate deliveries collapse.
func DeriveTaskID(resourceGroup, instanceName, episodeKey string) string {
	sum := sha256.Sum256([]byte(resourceGroup + "/" + instanceName + "/" + episodeKey))
	return taskIDPrefix + hex.EncodeToString(sum[:16])
}

// ReceiptEpisode is the episode key of a notice that carried no provider
// event ID. Every such notice for a target shares one task ID; the worker
// then suppresses repeats for the episode window measured from when the
// previous recovery finished. The '@' keeps it apart from any event ID.
const ReceiptEpisode = "@receipt"

// DefaultEpisodeWindow is how long a finished receipt episode suppresses
// further notices for the same target.
const DefaultEpisodeWindow = 5 * time.Minute

// IsReceiptEpisode reports whether key was assigned on receipt rather than
// taken from a provider event ID.
func IsReceiptEpisode(key string) bool {
	return key == ReceiptEpisode
}
