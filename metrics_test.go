package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"huddle/server/internal/core"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLogMetricsWhenActive(t *testing.T) {
	buf := captureLogs(t)

	reg := core.NewRegistry()
	reg.Join(core.NewConn("r1", "alice", 8))

	logMetrics(reg.Stats(), time.Second)

	out := buf.String()
	if !strings.Contains(out, "msg=metrics") {
		t.Fatalf("expected metrics log output, got: %q", out)
	}
	if !strings.Contains(out, "connections=1") || !strings.Contains(out, "rooms=1") {
		t.Fatalf("expected room and connection counts, got: %q", out)
	}
}

func TestLogMetricsSilentWhenIdle(t *testing.T) {
	buf := captureLogs(t)

	logMetrics(core.NewRegistry().Stats(), time.Second)

	if buf.Len() != 0 {
		t.Fatalf("expected no output for idle registry, got: %q", buf.String())
	}
}

func TestRunMetricsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, core.NewRegistry(), time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunMetrics did not return after cancel")
	}
}
