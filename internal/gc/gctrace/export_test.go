package gctrace

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTP3Exporter_HandleTraceReturnsJSONCodecContentType(t *testing.T) {
	tracer := NewTracer(true)
	tracer.RecordPause(PauseEvent{Cause: "G1EvacuationPause"})
	exp := NewHTTP3Exporter(":0", nil, tracer)

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	w := httptest.NewRecorder()
	exp.handleTrace(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if !strings.Contains(w.Body.String(), "G1EvacuationPause") {
		t.Fatalf("body %q should contain the recorded pause cause", w.Body.String())
	}
}

func TestHTTP3Exporter_HandleSummaryEncodesQPACK(t *testing.T) {
	tracer := NewTracer(true)
	tracer.RecordPause(PauseEvent{Cause: "x"})
	tracer.RecordCycle(CycleEvent{Phase: PhaseCleanup})
	exp := NewHTTP3Exporter(":0", nil, tracer)

	req := httptest.NewRequest(http.MethodGet, "/trace/summary", nil)
	w := httptest.NewRecorder()
	exp.handleSummary(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/qpack" {
		t.Fatalf("Content-Type = %q, want application/qpack", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("expected a non-empty QPACK-encoded body")
	}
}
