package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthResult(t *testing.T, ts *testServer) (int, healthResponse) {
	t.Helper()
	rec := ts.do(http.MethodGet, "/health", "", "")
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHandleHealth_NoProbes(t *testing.T) {
	code, resp := healthResult(t, newTestServer(t))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Empty(t, resp.Components)
}

func TestHandleHealth_Statuses(t *testing.T) {
	ok := ProbeFunc{ProbeName: "ok", Fn: func(context.Context) error { return nil }}
	bad := ProbeFunc{ProbeName: "bad", Fn: func(context.Context) error { return errors.New("unreachable") }}
	panicky := ProbeFunc{ProbeName: "panicky", Fn: func(context.Context) error { panic("oops") }}

	ts := newTestServer(t, func(o *Options) { o.Probes = []HealthProbe{ok} })
	code, resp := healthResult(t, ts)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, componentStatus{Status: "healthy"}, resp.Components["ok"])

	ts = newTestServer(t, func(o *Options) { o.Probes = []HealthProbe{ok, bad, panicky} })
	code, resp = healthResult(t, ts)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "healthy", resp.Components["ok"].Status)
	assert.Equal(t, componentStatus{Status: "unhealthy", Message: "unreachable"}, resp.Components["bad"])
	assert.Contains(t, resp.Components["panicky"].Message, "probe panicked")
}

func TestHandleHealth_SlowProbeTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := ProbeFunc{ProbeName: "stuck", Fn: func(context.Context) error {
		<-release
		return nil
	}}
	ts := newTestServer(t, func(o *Options) { o.Probes = []HealthProbe{stuck} })

	start := time.Now()
	code, resp := healthResult(t, ts)
	assert.Less(t, time.Since(start), healthCheckTimeout+time.Second)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, componentStatus{Status: "unhealthy", Message: "health check timed out"}, resp.Components["stuck"])
}

type fakeSQSAttributes struct {
	input *sqs.GetQueueAttributesInput
	err   error
}

func (f *fakeSQSAttributes) GetQueueAttributes(_ context.Context, in *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestSQSProbe(t *testing.T) {
	client := &fakeSQSAttributes{}
	probe := SQSProbe{Client: client, QueueURL: "https://sqs.eu-west-1.amazonaws.com/123/recovery"}

	assert.Equal(t, "sqs", probe.Name())
	require.NoError(t, probe.Check(context.Background()))
	assert.Equal(t, "https://sqs.eu-west-1.amazonaws.com/123/recovery", *client.input.QueueUrl)

	client.err = errors.New("access denied")
	err := probe.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}
