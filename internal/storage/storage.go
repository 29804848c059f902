package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"exlink/internal/models"
)

// Store persists transfer history in Postgres. A nil *Store is valid and
// makes every method a no-op, so the engine runs fine without a database.
type Store struct {
	db *sql.DB
}

func NewStore(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transfer_history (
			id         TEXT PRIMARY KEY,
			file_name  TEXT NOT NULL,
			file_size  BIGINT NOT NULL,
			direction  TEXT NOT NULL,
			peer_id    TEXT NOT NULL,
			peer_name  TEXT NOT NULL,
			status     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// AddHistory persists one transfer record. Replays of the same transfer id
// (retried finish notifications) are ignored.
func (s *Store) AddHistory(item *models.TransferHistory) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO transfer_history (id, file_name, file_size, direction, peer_id, peer_name, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		item.ID, item.FileName, item.FileSize, item.Direction, item.PeerID, item.PeerName, item.Status,
	)
	return err
}

// GetHistory returns up to limit records, newest first.
func (s *Store) GetHistory(limit int) ([]*models.TransferHistory, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT id, file_name, file_size, direction, peer_id, peer_name, status, created_at
		 FROM transfer_history ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*models.TransferHistory
	for rows.Next() {
		item := &models.TransferHistory{}
		if err := rows.Scan(&item.ID, &item.FileName, &item.FileSize, &item.Direction,
			&item.PeerID, &item.PeerName, &item.Status, &item.Timestamp); err != nil {
			continue
		}
		history = append(history, item)
	}
	return history, rows.Err()
}
