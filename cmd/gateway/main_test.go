package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evictguard/internal/gateway"
	"evictguard/internal/queue"
	"evictguard/internal/telemetry"
	"evictguard/internal/types"
)

// syncBuffer guards a bytes.Buffer written by the worker goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLocalPipeline_WebhookIsDrainedByDryRunWorker(t *testing.T) {
	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))

	mem := queue.NewMemoryQueue(localVisibility)
	srv, err := gateway.NewServer(gateway.Options{
		APIKey:   types.SecretString("local-key"),
		Producer: mem,
		Recorder: telemetry.Noop{},
		Logger:   logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	proc := newLocalProcessor(types.DefaultEpisodeWindow, telemetry.Noop{}, logger)
	wg.Go(func() {
		queue.Poll(ctx, mem, proc.ProcessBatch, types.NewSlogLogger(logger), 10*time.Millisecond, 10*time.Millisecond)
	})
	defer func() {
		cancel()
		wg.Wait()
	}()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"resourceGroup":"rg-local","vmName":"vm1"}`))
	req.Header.Set("Authorization", "Bearer local-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool { return mem.Len() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, logs.String(), "dry-run start")
	assert.Contains(t, logs.String(), `"vm_name":"vm1"`)
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, newLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, newLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, newLogger("").Enabled(ctx, slog.LevelInfo))
}
