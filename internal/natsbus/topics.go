package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

func TopicAgentControl(agentID string) string {
	return fmt.Sprintf("agent.%s.control", agentID)
}

// TopicInvocation is the reply subject a remote agent streams its events to.
func TopicInvocation(invocationID string) string {
	return fmt.Sprintf("invocation.%s.events", invocationID)
}

func TopicIPC(invocationID string) string {
	return fmt.Sprintf("host.ipc.%s", invocationID)
}

func TopicEventsPipeline(traceID string) string {
	return fmt.Sprintf("events.pipeline.%s", traceID)
}

func TopicEventsHandoff(threadID string) string {
	return fmt.Sprintf("events.handoff.%s", threadID)
}

func TopicEventsThread(threadID string) string {
	return fmt.Sprintf("events.thread.%s", threadID)
}

const (
	TopicIPCAll          = "host.ipc.*"
	TopicEventsAll       = "events.>"
	TopicEventsPipelines = "events.pipeline.*"
	TopicEventsHandoffs  = "events.handoff.*"
)
