// Command sctx is the agent-side client for the gateway's IPC. A remote
// agent runs it to share data with sibling agents of the same request and to
// hand a thread back when its handoff is done.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type ipcResponse struct {
	OK    bool            `json:"ok,omitempty"`
	Error string          `json:"error,omitempty"`
	Found bool            `json:"found,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Keys  []string        `json:"keys,omitempty"`
	State string          `json:"state,omitempty"`
}

func sendIPC(natsURL, invocationID, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := "host.ipc." + invocationID
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// contextValue keeps valid JSON as is and stores anything else as a string.
func contextValue(s string) any {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

const usageText = `Usage:
  sctx write --key "..." --value "..."
  sctx read --key "..."
  sctx list
  sctx return --summary "..." [--status success|failure] [--error "..."] [--artifacts "a,b"]
`

func run(natsURL, invocationID string, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing command")
	}
	command, rest := args[0], parseArgs(args[1:])

	switch command {
	case "write":
		if rest["key"] == "" || rest["value"] == "" {
			return errors.New("--key and --value are required")
		}
		_, err := sendIPC(natsURL, invocationID, "write_context", map[string]any{
			"key":   rest["key"],
			"value": contextValue(rest["value"]),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "Stored.")

	case "read":
		if rest["key"] == "" {
			return errors.New("--key is required")
		}
		resp, err := sendIPC(natsURL, invocationID, "read_context", map[string]any{"key": rest["key"]})
		if err != nil {
			return err
		}
		if !resp.Found {
			return fmt.Errorf("key %q not found", rest["key"])
		}
		fmt.Fprintln(out, string(resp.Value))

	case "list":
		resp, err := sendIPC(natsURL, invocationID, "list_context", map[string]any{})
		if err != nil {
			return err
		}
		if len(resp.Keys) == 0 {
			fmt.Fprintln(out, "No keys.")
		}
		for _, k := range resp.Keys {
			fmt.Fprintln(out, k)
		}

	case "return":
		status := rest["status"]
		if status == "" {
			status = "success"
		}
		payload := map[string]any{
			"status":  status,
			"summary": rest["summary"],
			"error":   rest["error"],
		}
		if a := rest["artifacts"]; a != "" {
			payload["artifacts"] = strings.Split(a, ",")
		}
		resp, err := sendIPC(natsURL, invocationID, "handoff_return", payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Handoff %s.\n", resp.State)

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	invocationID := os.Getenv("SYNODOS_INVOCATION_ID")
	if invocationID == "" {
		fmt.Fprintln(os.Stderr, "Error: SYNODOS_INVOCATION_ID is not set")
		os.Exit(1)
	}
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(1)
	}

	if err := run(natsURL, invocationID, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
