// Package health exposes the liveness and readiness probes for the
// transcription server.
//
// /healthz answers 200 whenever the process is up and serving. /readyz
// answers 200 only while every registered dependency probe (the Postgres
// pool, the speech engine bridge) passes, and 503 otherwise. Both respond
// with a JSON report: a top-level "status" of "ok" or "fail" plus a
// per-probe "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single dependency probe so one stuck dependency
// cannot wedge the whole readiness endpoint.
const probeTimeout = 5 * time.Second

// Checker probes one dependency of the server. Check returns nil while the
// dependency is usable; the error message is surfaced verbatim in the
// readiness report under Name. Check must honour ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the response body shared by both probe endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the probe endpoints. The checker set is fixed at
// construction, so a Handler needs no locking.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given dependency checkers. Readiness runs
// them sequentially in the order given.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz reports liveness. Reaching this handler at all means the process
// is serving, so it unconditionally answers ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	h.respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz reports readiness: 200 when every dependency probe passes, 503
// naming the failing probes as soon as any does not.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK

	for _, c := range h.checkers {
		if err := h.probe(r.Context(), c); err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			code = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	h.respond(w, code, res)
}

// probe runs one checker under the probe deadline.
func (h *Handler) probe(ctx context.Context, c Checker) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return c.Check(ctx)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) respond(w http.ResponseWriter, code int, res report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
