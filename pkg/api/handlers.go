package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiter-sh/arbiter/pkg/engine"
	"github.com/arbiter-sh/arbiter/pkg/ledger"
)

// maxBodyBytes bounds intent submissions.
const maxBodyBytes = 1 << 20

// Server serves the decision core's HTTP surface.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
}

// NewServer creates a server over the engine.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, logger: logger}
}

// Routes returns the route table without middleware. Callers wrap it with
// Chain and the middlewares they want.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intents", s.handleSubmit)
	mux.HandleFunc("/v1/audit", s.handleAudit)
	mux.HandleFunc("/v1/health", s.handleHealth)
	return mux
}

// handleSubmit accepts an intent and returns its decision.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	res, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrBadRequest) {
			WriteBadRequest(w, err.Error())
			return
		}
		s.logger.Error("submission failed", "error", err)
		WriteInternal(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// auditResponse is the audit query payload.
type auditResponse struct {
	Entries []ledger.AuditEntry  `json:"entries"`
	Verify  *ledger.VerifyResult `json:"verify,omitempty"`
}

// handleAudit serves range queries over the audit chain. Sequence bounds
// come from ?from and ?to; ?since and ?until select a time window instead.
// ?verify=true re-verifies the chain over the sequence range.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()

	if q.Get("since") != "" || q.Get("until") != "" {
		since, err := parseTime(q.Get("since"), time.Time{})
		if err != nil {
			WriteBadRequest(w, "Invalid 'since' timestamp (want RFC 3339)")
			return
		}
		until, err := parseTime(q.Get("until"), time.Now().UTC())
		if err != nil {
			WriteBadRequest(w, "Invalid 'until' timestamp (want RFC 3339)")
			return
		}
		entries, err := s.engine.AuditByTime(r.Context(), since, until)
		if err != nil {
			s.logger.Error("audit query failed", "error", err)
			WriteInternal(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(auditResponse{Entries: entries})
		return
	}

	from, err := parseSeq(q.Get("from"), 1)
	if err != nil {
		WriteBadRequest(w, "Invalid 'from' sequence")
		return
	}
	to, err := parseSeq(q.Get("to"), 0)
	if err != nil {
		WriteBadRequest(w, "Invalid 'to' sequence")
		return
	}
	if to == 0 {
		head, err := s.engine.Status(r.Context())
		if err != nil {
			s.logger.Error("audit query failed", "error", err)
			WriteInternal(w)
			return
		}
		to = head.LedgerHead
	}

	entries, verify, err := s.engine.Audit(r.Context(), from, to, q.Get("verify") == "true")
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		WriteInternal(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(auditResponse{Entries: entries, Verify: verify})
}

// handleHealth reports pipeline status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	health, err := s.engine.Status(r.Context())
	if err != nil {
		s.logger.Error("health check failed", "error", err)
		WriteInternal(w)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(health)
}

func parseSeq(s string, fallback uint64) (uint64, error) {
	if s == "" {
		return fallback, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseTime(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, s)
}
