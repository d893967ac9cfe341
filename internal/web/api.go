package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/handoff"
	"github.com/mtzanidakis/synodos/internal/pipeline"
	"github.com/mtzanidakis/synodos/internal/tracing"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Threads
	mux.HandleFunc("POST /api/threads/{id}/messages", s.postMessage)
	mux.HandleFunc("GET /api/threads/{id}/messages", s.getMessages)
	mux.HandleFunc("GET /api/threads", s.listThreads)

	// Handoffs
	mux.HandleFunc("GET /api/threads/{id}/handoff", s.getHandoff)
	mux.HandleFunc("POST /api/threads/{id}/handoff", s.initiateHandoff)
	mux.HandleFunc("DELETE /api/threads/{id}/handoff", s.cancelHandoff)
	mux.HandleFunc("POST /api/threads/{id}/handoff/return", s.returnHandoff)
	mux.HandleFunc("GET /api/threads/{id}/handoffs", s.listHandoffs)

	// Pipelines
	mux.HandleFunc("POST /api/pipelines", s.runPipeline)
	mux.HandleFunc("GET /api/pipelines", s.listPipelines)
	mux.HandleFunc("GET /api/pipelines/{id}", s.getPipeline)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

// errorStatus maps coordination errors to HTTP status codes.
func errorStatus(err error) int {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, handoff.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, handoff.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, handoff.ErrNoActiveHandoff):
		return http.StatusNotFound
	case errors.Is(err, tracing.ErrDepthExceeded), errors.Is(err, ctxstore.ErrPayloadTooLarge):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	jsonError(w, err.Error(), errorStatus(err))
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")
	var body struct {
		Message string `json:"message"`
		Tenant  string `json:"tenant"`
		User    string `json:"user"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	chunks, err := s.router.Route(r.Context(), threadID, body.Tenant, body.User, body.Message)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	broken := false
	// The stream must be drained even after the client is gone so the thread
	// is released.
	for c := range chunks {
		if broken {
			continue
		}
		if err := enc.Encode(c); err != nil {
			broken = true
			continue
		}
		_ = rc.Flush()
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	messages, err := s.store.GetMessages(r.PathValue("id"), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if messages == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, messages)
}

func (s *Server) listThreads(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetThreadStats()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(stats))
	for _, st := range stats {
		out = append(out, map[string]any{
			"thread_id":     st.ThreadID,
			"message_count": st.MessageCount,
			"last_active":   st.LastActive,
			"busy":          s.router.Busy(st.ThreadID),
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getHandoff(w http.ResponseWriter, r *http.Request) {
	sess, err := s.handoffs.GetActive(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sess == nil {
		jsonError(w, handoff.ErrNoActiveHandoff.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) initiateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoff.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.ThreadID = r.PathValue("id")

	acc, err := s.handoffs.Initiate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(acc)
}

func (s *Server) cancelHandoff(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by user"
	}
	sess, err := s.handoffs.Cancel(r.Context(), r.PathValue("id"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) returnHandoff(w http.ResponseWriter, r *http.Request) {
	var ret handoff.ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&ret); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch ret.Status {
	case "":
		ret.Status = handoff.ReturnSuccess
	case handoff.ReturnSuccess, handoff.ReturnFailure:
	default:
		jsonError(w, fmt.Sprintf("unknown return status %q", ret.Status), http.StatusBadRequest)
		return
	}

	sess, err := s.handoffs.ReceiveReturn(r.Context(), r.PathValue("id"), ret)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) listHandoffs(w http.ResponseWriter, r *http.Request) {
	hist, err := s.handoffs.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if hist == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, hist)
}

// runPipeline starts a task graph. Besides the graph fields the body may
// carry thread_id, and wait to block until the run finishes; otherwise the
// run id is returned at once.
func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var opts struct {
		ThreadID string `json:"thread_id"`
		Wait     bool   `json:"wait"`
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	g, err := pipeline.ParseGraph(data)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	if opts.Wait {
		ctx = r.Context()
	}
	ctx = agent.WithScope(ctx, agent.Scope{ThreadID: opts.ThreadID})

	tr := s.propagator.NewRoot()
	run, err := s.pipelines.Start(ctx, g, tr)
	if err != nil {
		writeError(w, err)
		return
	}

	if !opts.Wait {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"run_id":   run.ID(),
			"trace_id": tr.TraceID,
			"status":   string(pipeline.StatusRunning),
		})
		return
	}

	res, err := run.Wait()
	if res == nil {
		writeError(w, err)
		return
	}
	// A failed graph is still a complete answer; the status says how it went.
	jsonResponse(w, res)
}

func (s *Server) listPipelines(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListPipelineRuns(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetPipelineRun(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		jsonError(w, "pipeline run not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	def := s.router.DefaultAgent()
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
			"transport":   a.Transport,
			"default":     a.ID == def,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	agents, _ := s.registry.List()
	threads, _ := s.store.GetThreadStats()

	busy := 0
	for _, t := range threads {
		if s.router.Busy(t.ThreadID) {
			busy++
		}
	}

	status := map[string]any{
		"status":        "ok",
		"version":       s.version,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"agents_count":  len(agents),
		"default_agent": s.router.DefaultAgent(),
		"threads":       len(threads),
		"busy_threads":  busy,
		"ws_clients":    s.hub.Len(),
		"max_depth":     s.propagator.MaxDepth(),
	}
	jsonResponse(w, status)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20)).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
