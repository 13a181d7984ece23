package gctrace

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/quic-go/qpack"

	"github.com/orizon-lang/orizon/internal/runtime/netstack"
	"github.com/orizon-lang/orizon/internal/runtime/remote"
)

// HTTP3Exporter serves a Tracer's snapshot over HTTP/3, grounded directly on
// internal/runtime/netstack/http3.go's HTTP3Server wrapper (SPEC_FULL.md
// section 2 domain stack: "external monitoring" per spec.md section 1).
type HTTP3Exporter struct {
	tracer netstackTracer
	server *netstack.HTTP3Server
}

// netstackTracer narrows *Tracer to the one method the exporter needs, kept
// as its own type purely so tests can substitute a fake without importing
// the full Tracer.
type netstackTracer interface {
	Snapshot() Snapshot
}

// NewHTTP3Exporter builds an exporter bound to addr (":0" for an ephemeral
// port) serving tracer's events. tlsCfg may be nil to use the server's
// TLS 1.3 default.
func NewHTTP3Exporter(addr string, tlsCfg *tls.Config, tracer *Tracer) *HTTP3Exporter {
	exp := &HTTP3Exporter{tracer: tracer}

	mux := http.NewServeMux()
	mux.HandleFunc("/trace", exp.handleTrace)
	mux.HandleFunc("/trace/summary", exp.handleSummary)

	exp.server = netstack.NewHTTP3Server(addr, tlsCfg, mux)
	return exp
}

// Start begins serving and returns the bound address.
func (e *HTTP3Exporter) Start() (string, error) { return e.server.Start() }

// Stop shuts the exporter down.
func (e *HTTP3Exporter) Stop() error { return e.server.Stop() }

// codec is the teacher's remote.JSONCodec, reused here verbatim for the
// trace payload's wire encoding (DESIGN.md ambient-stack entry).
var codec = remote.JSONCodec{}

func (e *HTTP3Exporter) handleTrace(w http.ResponseWriter, r *http.Request) {
	snap := e.tracer.Snapshot()
	body, err := codec.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.ContentType())
	_, _ = w.Write(body)
}

// handleSummary encodes a handful of headline counters as a QPACK field
// block (the same wire format HTTP/3 uses for its own headers), for
// lightweight polling clients that want counts without parsing a JSON body.
// Grounded on the teacher's go.mod qpack indirect dependency, which nothing
// else in the tree previously exercised directly (DESIGN.md domain stack
// wiring note).
func (e *HTTP3Exporter) handleSummary(w http.ResponseWriter, r *http.Request) {
	snap := e.tracer.Snapshot()

	var buf bytes.Buffer
	enc := qpack.NewEncoder(&buf)
	fields := []qpack.HeaderField{
		{Name: "pause-count", Value: fmt.Sprintf("%d", len(snap.Pauses))},
		{Name: "cycle-count", Value: fmt.Sprintf("%d", len(snap.Cycles))},
		{Name: "evac-failure-count", Value: fmt.Sprintf("%d", len(snap.EvacFailures))},
	}
	for _, f := range fields {
		if err := enc.WriteField(f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}

	w.Header().Set("Content-Type", "application/qpack")
	_, _ = w.Write(buf.Bytes())
}
