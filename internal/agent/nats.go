package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mtzanidakis/synodos/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Envelope is published on agent.<id>.input. The agent streams Event JSON
// to the message's reply subject and may call back on IPCSubject.
type Envelope struct {
	InvocationID string  `json:"invocation_id"`
	AgentID      string  `json:"agent_id"`
	IPCSubject   string  `json:"ipc_subject"`
	Request      Request `json:"request"`
}

// Control is published on agent.<id>.control.
type Control struct {
	Type         string `json:"type"`
	InvocationID string `json:"invocation_id"`
}

// NATSInvoker reaches remote agents over the bus.
type NATSInvoker struct {
	client      *natsbus.Client
	invocations *Invocations
	logger      *slog.Logger
}

func NewNATSInvoker(client *natsbus.Client, invocations *Invocations, logger *slog.Logger) *NATSInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSInvoker{
		client:      client,
		invocations: invocations,
		logger:      logger.With("component", "nats_invoker"),
	}
}

func (n *NATSInvoker) Invoke(ctx context.Context, agentID string, req Request) (<-chan Event, error) {
	id := uuid.NewString()
	replyTopic := natsbus.TopicInvocation(id)

	msgs := make(chan *nats.Msg, 64)
	sub, err := n.client.SubscribeChan(replyTopic, msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe to invocation stream: %w", err)
	}

	n.invocations.Register(&Invocation{
		ID:       id,
		AgentID:  agentID,
		TraceID:  req.TraceID,
		TaskID:   req.TaskID,
		Depth:    req.Depth,
		ThreadID: req.ThreadID,
		Tenant:   req.Tenant,
		User:     req.User,
	})

	data, err := json.Marshal(Envelope{
		InvocationID: id,
		AgentID:      agentID,
		IPCSubject:   natsbus.TopicIPC(id),
		Request:      req,
	})
	if err == nil {
		err = n.client.PublishRequest(natsbus.TopicAgentInput(agentID), replyTopic, data)
	}
	if err != nil {
		_ = sub.Unsubscribe()
		n.invocations.Remove(id)
		return nil, fmt.Errorf("publish to agent %s: %w", agentID, err)
	}

	out := make(chan Event, 16)
	go n.pump(ctx, id, agentID, req, sub, msgs, out)
	return out, nil
}

func (n *NATSInvoker) pump(ctx context.Context, id, agentID string, req Request, sub *nats.Subscription, msgs <-chan *nats.Msg, out chan<- Event) {
	defer close(out)
	defer n.invocations.Remove(id)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			n.cancelRemote(agentID, id)
			return
		case m := <-msgs:
			var ev Event
			if err := json.Unmarshal(m.Data, &ev); err != nil || ev.Type == "" {
				// Plain text is treated as progress.
				ev = Event{Type: EventMessage, Payload: string(m.Data)}
			}
			ev.AgentID = agentID
			ev.TraceID = req.TraceID
			ev.TaskID = req.TaskID
			n.invocations.Touch(id)

			select {
			case out <- ev:
			case <-ctx.Done():
				n.cancelRemote(agentID, id)
				return
			}
			if ev.Terminal() {
				return
			}
		}
	}
}

func (n *NATSInvoker) cancelRemote(agentID, invocationID string) {
	err := n.client.PublishJSON(natsbus.TopicAgentControl(agentID), Control{
		Type:         "cancel",
		InvocationID: invocationID,
	})
	if err != nil {
		n.logger.Warn("failed to publish cancel", "agent", agentID, "invocation", invocationID, "error", err)
	}
}
