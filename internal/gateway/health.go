package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency the gateway needs to accept webhooks.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently and answers 200 when all pass,
// 503 when any fails or has not finished within healthCheckTimeout.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if len(s.Probes) == 0 {
		JSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// Each probe owns one slot; a nil slot after the deadline means it never
	// reported.
	results := make([]*error, len(s.Probes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, probe := range s.Probes {
		wg.Go(func() {
			err := runProbe(ctx, probe)
			mu.Lock()
			results[i] = &err
			mu.Unlock()
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(s.Probes))}
	for i, probe := range s.Probes {
		cs := componentStatus{Status: "healthy"}
		switch {
		case results[i] == nil:
			cs = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case *results[i] != nil:
			cs = componentStatus{Status: "unhealthy", Message: (*results[i]).Error()}
		}
		if cs.Status != "healthy" {
			resp.Status = "unhealthy"
		}
		resp.Components[probe.Name()] = cs
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}

func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return p.Check(ctx)
}

// SQSAttributesAPI is the subset of the SQS client used by SQSProbe.
type SQSAttributesAPI interface {
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSProbe reports the recovery queue healthy when its attributes can be read.
type SQSProbe struct {
	Client   SQSAttributesAPI
	QueueURL string
}

func (p SQSProbe) Name() string { return "sqs" }

func (p SQSProbe) Check(ctx context.Context) error {
	_, err := p.Client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &p.QueueURL,
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("get queue attributes: %w", err)
	}
	return nil
}

// ProbeFunc adapts a function into a named HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

func (p ProbeFunc) Name() string                    { return p.ProbeName }
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }
