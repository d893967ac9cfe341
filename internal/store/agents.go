package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Agent struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Transport   string    `json:"transport,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	_, err := s.db.Exec(`
		INSERT INTO agents (id, name, description, transport, created_at, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			transport = excluded.transport,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Name, a.Description, a.Transport)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	a := &Agent{}
	var description, transport sql.NullString
	err := s.db.QueryRow(`SELECT id, name, description, transport, created_at, updated_at FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &description, &transport, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	a.Description = description.String
	a.Transport = transport.String
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT id, name, description, transport, created_at, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var description, transport sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &description, &transport, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Description = description.String
		a.Transport = transport.String
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.Exec(`DELETE FROM agents WHERE id NOT IN (`+placeholders+`)`, args...)
	return err
}
