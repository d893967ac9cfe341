package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of a thread's conversation log.
type Message struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Role      string          `json:"role"` // user | assistant
	AgentID   string          `json:"agent_id,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	Content   string          `json:"content"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SaveMessage(msg *Message) error {
	var metadata *string
	if len(msg.Metadata) > 0 {
		m := string(msg.Metadata)
		metadata = &m
	}
	result, err := s.db.Exec(`
		INSERT INTO messages (thread_id, role, agent_id, trace_id, content, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ThreadID, msg.Role, msg.AgentID, msg.TraceID, msg.Content, metadata)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

// GetMessages returns the last limit messages of a thread in chronological
// order.
func (s *Store) GetMessages(threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, thread_id, role, COALESCE(agent_id, ''), COALESCE(trace_id, ''), content, metadata, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY id DESC
		LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var metadata *string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.AgentID, &m.TraceID, &m.Content, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if metadata != nil {
			m.Metadata = json.RawMessage(*metadata)
		}
		messages = append(messages, m)
	}

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, rows.Err()
}

type ThreadStats struct {
	ThreadID     string    `json:"thread_id"`
	MessageCount int       `json:"message_count"`
	LastActive   time.Time `json:"last_active"`
}

func (s *Store) GetThreadStats() ([]ThreadStats, error) {
	rows, err := s.db.Query(`
		SELECT thread_id, COUNT(*) as cnt, COALESCE(MAX(created_at), '') as last_active
		FROM messages
		GROUP BY thread_id
		ORDER BY last_active DESC`)
	if err != nil {
		return nil, fmt.Errorf("get thread stats: %w", err)
	}
	defer rows.Close()

	var stats []ThreadStats
	for rows.Next() {
		var ts ThreadStats
		var lastActive string
		if err := rows.Scan(&ts.ThreadID, &ts.MessageCount, &lastActive); err != nil {
			return nil, fmt.Errorf("scan thread stats: %w", err)
		}
		if lastActive != "" {
			ts.LastActive, _ = time.Parse("2006-01-02 15:04:05", lastActive)
		}
		stats = append(stats, ts)
	}
	return stats, rows.Err()
}
