// Package ipc answers requests remote agents send back to the gateway while
// they run: context reads and writes, and returning a handed-off thread.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/synodos/internal/agent"
	"github.com/mtzanidakis/synodos/internal/ctxstore"
	"github.com/mtzanidakis/synodos/internal/handoff"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/mtzanidakis/synodos/internal/tracing"
	"github.com/nats-io/nats.go"
)

// Command is the envelope of an IPC request on host.ipc.<invocation id>.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Handoffs is the part of the handoff coordinator agents can reach.
type Handoffs interface {
	GetActive(ctx context.Context, threadID string) (*handoff.Session, error)
	ReceiveReturn(ctx context.Context, threadID string, ret handoff.ReturnRequest) (*handoff.Session, error)
}

type Server struct {
	client      *natsbus.Client
	invocations *agent.Invocations
	tools       *ctxstore.Tools
	handoffs    Handoffs
	timeout     time.Duration
	logger      *slog.Logger

	sub *nats.Subscription
}

func NewServer(client *natsbus.Client, inv *agent.Invocations, store ctxstore.Store, handoffs Handoffs, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		client:      client,
		invocations: inv,
		tools:       ctxstore.NewTools(store),
		handoffs:    handoffs,
		timeout:     10 * time.Second,
		logger:      logger.With("component", "ipc"),
	}
}

// Start subscribes to every invocation's IPC subject.
func (s *Server) Start() error {
	sub, err := s.client.Subscribe(natsbus.TopicIPCAll, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Server) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("invalid IPC command", "error", err)
		s.respond(msg, map[string]any{"error": "invalid command"})
		return
	}

	// The invocation id comes from the subject, never from the payload.
	invID := strings.TrimPrefix(msg.Subject, "host.ipc.")
	inv, ok := s.invocations.Get(invID)
	if !ok {
		s.respond(msg, map[string]any{"error": "unknown invocation"})
		return
	}
	s.invocations.Touch(invID)

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = tracing.WithTrace(ctx, inv.Trace())

	s.logger.Debug("IPC command received", "type", cmd.Type, "agent", inv.AgentID, "trace_id", inv.TraceID)

	switch cmd.Type {
	case "write_context":
		s.writeContext(ctx, msg, cmd.Payload)
	case "read_context":
		s.readContext(ctx, msg, cmd.Payload)
	case "list_context":
		s.listContext(ctx, msg)
	case "handoff_return":
		s.handoffReturn(ctx, msg, inv, cmd.Payload)
	default:
		s.logger.Warn("unknown IPC command", "type", cmd.Type)
		s.respond(msg, map[string]any{"error": "unknown command: " + cmd.Type})
	}
}

func (s *Server) respond(msg *nats.Msg, data any) {
	resp, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(resp); err != nil {
		s.logger.Error("failed to respond to IPC", "error", err)
	}
}

func (s *Server) writeContext(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		s.respond(msg, map[string]any{"error": "key and value are required"})
		return
	}
	if err := s.tools.WriteContext(ctx, req.Key, req.Value); err != nil {
		resp := map[string]any{"error": err.Error()}
		if errors.Is(err, ctxstore.ErrPayloadTooLarge) {
			resp["code"] = "payload_too_large"
		}
		s.respond(msg, resp)
		return
	}
	s.respond(msg, map[string]any{"ok": true})
}

func (s *Server) readContext(ctx context.Context, msg *nats.Msg, payload json.RawMessage) {
	var req struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Key == "" {
		s.respond(msg, map[string]any{"error": "key is required"})
		return
	}
	value, found, err := s.tools.ReadContext(ctx, req.Key)
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	resp := map[string]any{"ok": true, "found": found}
	if found {
		resp["value"] = value
	}
	s.respond(msg, resp)
}

func (s *Server) listContext(ctx context.Context, msg *nats.Msg) {
	keys, err := s.tools.ListContext(ctx)
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.respond(msg, map[string]any{"ok": true, "keys": keys})
}

func (s *Server) handoffReturn(ctx context.Context, msg *nats.Msg, inv agent.Invocation, payload json.RawMessage) {
	if s.handoffs == nil || inv.ThreadID == "" {
		s.respond(msg, map[string]any{"error": "invocation is not acting for a thread"})
		return
	}
	var req handoff.ReturnRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.respond(msg, map[string]any{"error": "invalid payload"})
		return
	}
	if req.Status == "" {
		req.Status = handoff.ReturnSuccess
	}

	active, err := s.handoffs.GetActive(ctx, inv.ThreadID)
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	if active == nil || active.TargetAgentID != inv.AgentID {
		s.respond(msg, map[string]any{"error": handoff.ErrNoActiveHandoff.Error()})
		return
	}

	sess, err := s.handoffs.ReceiveReturn(ctx, inv.ThreadID, req)
	if err != nil {
		s.respond(msg, map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("handoff returned via IPC", "thread_id", inv.ThreadID, "agent", inv.AgentID, "state", sess.State)
	s.respond(msg, map[string]any{"ok": true, "state": sess.State})
}
