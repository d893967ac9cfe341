package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/mtzanidakis/synodos/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func TestBusStartStop(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0, // Random port
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	url := bus.ClientURL()
	if url == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	dir := t.TempDir()
	bus, err := New(config.NATSConfig{
		Port:    0,
		DataDir: dir,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe("test.json", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON("test.json", payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestJetStreamKV(t *testing.T) {
	bus, err := New(config.NATSConfig{Port: 0, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	defer bus.Close()

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	js, err := client.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	ctx := context.Background()
	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: "test"})
	if err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	if _, err := kv.Create(ctx, "k", []byte("v1")); err != nil {
		t.Fatalf("create key: %v", err)
	}
	if _, err := kv.Create(ctx, "k", []byte("v2")); err == nil {
		t.Fatal("expected second create of the same key to fail")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgentInput("planner"); got != "agent.planner.input" {
		t.Errorf("expected agent.planner.input, got %s", got)
	}
	if got := TopicInvocation("inv1"); got != "invocation.inv1.events" {
		t.Errorf("expected invocation.inv1.events, got %s", got)
	}
	if got := TopicIPC("inv1"); got != "host.ipc.inv1" {
		t.Errorf("expected host.ipc.inv1, got %s", got)
	}
	if got := TopicEventsPipeline("t1"); got != "events.pipeline.t1" {
		t.Errorf("expected events.pipeline.t1, got %s", got)
	}
	if got := TopicEventsHandoff("th1"); got != "events.handoff.th1" {
		t.Errorf("expected events.handoff.th1, got %s", got)
	}
}
