package character

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads agent_role from the characters table, where a
// character row shares its uuid with the conversation it configures.
type PostgresSource struct {
	pool *pgxpool.Pool
}

func NewPostgresSource(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresSource{pool: pool}, nil
}

func (s *PostgresSource) SystemPrompt(ctx context.Context, tenantID, conversationID string) (string, error) {
	var prompt string
	err := s.pool.QueryRow(ctx, `
		SELECT agent_role
		FROM characters
		WHERE uuid::text = $1 AND store_id = $2`,
		conversationID, tenantID,
	).Scan(&prompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select character: %w", err)
	}
	return prompt, nil
}

func (s *PostgresSource) Close() {
	s.pool.Close()
}
