package membership

import (
	"context"
	"fmt"

	"chat-relay/pkg/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads room membership from Postgres. The rooms and room_members
// tables are owned by the storage service; this store only consumes them.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Connected to membership database")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) RoomExists(ctx context.Context, roomID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM rooms WHERE id = $1)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check room existence: %w", err)
	}
	return exists, nil
}

func (s *Store) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`

	var member bool
	if err := s.pool.QueryRow(ctx, query, roomID, userID).Scan(&member); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return member, nil
}

func (s *Store) IsAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM rooms WHERE id = $1 AND owner_id = $2
			UNION
			SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2 AND role = 'admin'
		)`

	var admin bool
	if err := s.pool.QueryRow(ctx, query, roomID, userID).Scan(&admin); err != nil {
		return false, fmt.Errorf("failed to check admin role: %w", err)
	}
	return admin, nil
}
