package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"runlok-hq/runlok/pkg/audit"
	"runlok-hq/runlok/pkg/audit/chain"
	"runlok-hq/runlok/pkg/governance"
	"runlok-hq/runlok/pkg/policy/manager"
	"runlok-hq/runlok/pkg/security/auth"
)

// ActorHeader names the user behind an unauthenticated ops request.
// Governance events recorded for the request are attributed to it. The
// header is ignored when the request carries an authenticated operator.
const ActorHeader = "X-Runlok-Actor"

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func withActor(r *http.Request) *http.Request {
	if op, ok := auth.OperatorFrom(r.Context()); ok {
		return r.WithContext(governance.WithActor(r.Context(), audit.Actor{Type: "user", ID: op.ID}))
	}
	if id := r.Header.Get(ActorHeader); id != "" {
		return r.WithContext(governance.WithActor(r.Context(), audit.Actor{Type: "user", ID: id}))
	}
	return r
}

type policyHandler struct {
	policies PolicyService
	logger   *slog.Logger
}

func (h *policyHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policies.Info())
}

type reloadResponse struct {
	*manager.ReloadResult
	Error string `json:"error,omitempty"`
}

func (h *policyHandler) handleReload(w http.ResponseWriter, r *http.Request) {
	r = withActor(r)
	result := h.policies.Reload(r.Context())

	resp := reloadResponse{ReloadResult: result}
	code := http.StatusOK
	if !result.Succeeded() {
		resp.Error = result.Err.Error()
		code = http.StatusUnprocessableEntity
		h.logger.WarnContext(r.Context(), "policy reload via ops endpoint failed", "error", result.Err)
	}
	writeJSON(w, code, resp)
}

type auditHandler struct {
	verifier ChainVerifier
	logger   *slog.Logger
}

// handleVerify accepts start/end (RFC 3339) and start_seq/end_seq.
func (h *auditHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	r = withActor(r)
	result, err := h.verifier.VerifyAndRecord(r.Context(), rng)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "audit verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func parseRange(r *http.Request) (chain.Range, error) {
	var rng chain.Range
	q := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start", &rng.Start}, {"end", &rng.End}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return rng, fmt.Errorf("invalid %s: %w", p.name, err)
		}
		*p.dst = &t
	}
	for _, p := range []struct {
		name string
		dst  *int64
	}{{"start_seq", &rng.StartSequence}, {"end_seq", &rng.EndSequence}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return rng, fmt.Errorf("invalid %s: must be a positive integer", p.name)
		}
		*p.dst = n
	}
	if rng.Start != nil && rng.End != nil && rng.End.Before(*rng.Start) {
		return rng, errors.New("end is before start")
	}
	return rng, nil
}
