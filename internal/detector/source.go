// Package detector watches the instance metadata service for eviction
// notices. The agent loop turns level-triggered poll results into exactly
// one notification per eviction episode and heartbeats its own liveness.
package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"evictguard/internal/types"
)

// PollStatus classifies one observation of the metadata source.
type PollStatus int

const (
	NoNotice PollStatus = iota
	EvictionNotice
	SourceUnreachable
)

func (s PollStatus) String() string {
	switch s {
	case NoNotice:
		return "no_notice"
	case EvictionNotice:
		return "eviction_notice"
	case SourceUnreachable:
		return "source_unreachable"
	default:
		return "unknown"
	}
}

// ScheduledEvent is one entry of the scheduled events document.
type ScheduledEvent struct {
	EventID           string   `json:"EventId"`
	EventType         string   `json:"EventType"`
	ResourceType      string   `json:"ResourceType"`
	Resources         []string `json:"Resources"`
	EventStatus       string   `json:"EventStatus"`
	NotBefore         string   `json:"NotBefore"`
	Description       string   `json:"Description"`
	EventSource       string   `json:"EventSource"`
	DurationInSeconds int      `json:"DurationInSeconds"`
}

type scheduledEventsDocument struct {
	DocumentIncarnation int              `json:"DocumentIncarnation"`
	Events              []ScheduledEvent `json:"Events"`
}

// PollResult is the outcome of Source.Poll. Event is set for EvictionNotice.
type PollResult struct {
	Status PollStatus
	Event  ScheduledEvent
}

// Source is the notification source polled by the agent. A non-nil error
// always comes with SourceUnreachable.
type Source interface {
	Poll(ctx context.Context) (PollResult, error)
}

// Identity holds the target coordinates of the monitored instance.
type Identity struct {
	InstanceID    string
	ResourceGroup string
	InstanceName  string
}

// IdentityLookup resolves the instance identity from the metadata service.
type IdentityLookup interface {
	Identity(ctx context.Context) (Identity, error)
}

const (
	scheduledEventsPath = "/metadata/scheduledevents?api-version=2020-07-01"
	instancePath        = "/metadata/instance?api-version=2021-02-01"

	// MetadataTimeout bounds one metadata request.
	MetadataTimeout = 3 * time.Second
)

// DefaultEvictionEventTypes are the scheduled event types treated as an
// eviction of the instance.
var DefaultEvictionEventTypes = []string{"Preempt", "Terminate", "Reboot", "Redeploy"}

// IMDSSource polls the Azure Instance Metadata Service.
type IMDSSource struct {
	endpoint      string
	client        *http.Client
	evictionTypes []string
	instance      string
}

var (
	_ Source         = (*IMDSSource)(nil)
	_ IdentityLookup = (*IMDSSource)(nil)
)

// IMDSOption configures an IMDSSource.
type IMDSOption func(*IMDSSource)

// WithHTTPClient replaces the default client (3s timeout).
func WithHTTPClient(c *http.Client) IMDSOption {
	return func(s *IMDSSource) { s.client = c }
}

// WithEvictionTypes overrides DefaultEvictionEventTypes.
func WithEvictionTypes(eventTypes []string) IMDSOption {
	return func(s *IMDSSource) {
		if len(eventTypes) > 0 {
			s.evictionTypes = eventTypes
		}
	}
}

// WithInstanceFilter ignores events whose Resources list other instances.
func WithInstanceFilter(name string) IMDSOption {
	return func(s *IMDSSource) { s.instance = name }
}

// NewIMDSSource creates a source for the metadata service at endpoint,
// normally http://169.254.169.254.
func NewIMDSSource(endpoint string, opts ...IMDSOption) *IMDSSource {
	s := &IMDSSource{
		endpoint:      strings.TrimRight(endpoint, "/"),
		client:        &http.Client{Timeout: MetadataTimeout},
		evictionTypes: DefaultEvictionEventTypes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll fetches the scheduled events document and reports the first event
// that evicts this instance.
func (s *IMDSSource) Poll(ctx context.Context) (PollResult, error) {
	var doc scheduledEventsDocument
	if err := s.get(ctx, scheduledEventsPath, &doc); err != nil {
		return PollResult{Status: SourceUnreachable}, err
	}
	for _, ev := range doc.Events {
		if s.evicts(ev) {
			return PollResult{Status: EvictionNotice, Event: ev}, nil
		}
	}
	return PollResult{Status: NoNotice}, nil
}

func (s *IMDSSource) evicts(ev ScheduledEvent) bool {
	if !slices.Contains(s.evictionTypes, ev.EventType) {
		return false
	}
	if ev.EventStatus == "Canceled" || ev.EventStatus == "Completed" {
		return false
	}
	if s.instance != "" && len(ev.Resources) > 0 && !slices.Contains(ev.Resources, s.instance) {
		return false
	}
	return true
}

type instanceDocument struct {
	Compute struct {
		Name              string `json:"name"`
		ResourceGroupName string `json:"resourceGroupName"`
		VMID              string `json:"vmId"`
	} `json:"compute"`
}

// Identity reads the instance name and resource group from the metadata
// service. Case is preserved as reported.
func (s *IMDSSource) Identity(ctx context.Context) (Identity, error) {
	var doc instanceDocument
	if err := s.get(ctx, instancePath, &doc); err != nil {
		return Identity{}, err
	}
	if doc.Compute.Name == "" || doc.Compute.ResourceGroupName == "" {
		return Identity{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"instance metadata lacks name or resource group", nil)
	}
	return Identity{
		InstanceID:    doc.Compute.VMID,
		ResourceGroup: doc.Compute.ResourceGroupName,
		InstanceName:  doc.Compute.Name,
	}, nil
}

func (s *IMDSSource) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+path, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build metadata request", err)
	}
	req.Header.Set("Metadata", "true")

	resp, err := s.client.Do(req)
	if err != nil {
		return types.NewAppError(types.ErrCodeTransientNetwork, "metadata service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.NewAppError(types.ErrCodeTransientUpstream,
			fmt.Sprintf("metadata service returned %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return types.NewAppError(types.ErrCodeTransientUpstream, "malformed metadata response", err)
	}
	return nil
}
