package lance

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteOffsetStore persists offsets in a single SQLite database, useful
// when many consumers share one checkpoint file.
type SQLiteOffsetStore struct {
	db *sql.DB
}

// NewSQLiteOffsetStore opens (creating if needed) the database at path.
func NewSQLiteOffsetStore(path string) (*SQLiteOffsetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("lance: open offset db: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS offsets (
		consumer TEXT NOT NULL,
		topic_id INTEGER NOT NULL,
		offset   INTEGER NOT NULL,
		PRIMARY KEY (consumer, topic_id)
	)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lance: init offset db: %w", err)
	}
	return &SQLiteOffsetStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteOffsetStore) Close() error { return s.db.Close() }

func (s *SQLiteOffsetStore) Load(consumerName string, topicID uint32) (uint64, bool, error) {
	var offset uint64
	err := s.db.QueryRow(
		`SELECT offset FROM offsets WHERE consumer = ? AND topic_id = ?`,
		consumerName, topicID,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lance: load offset: %w", err)
	}
	return offset, true, nil
}

func (s *SQLiteOffsetStore) Save(consumerName string, topicID uint32, offset uint64) error {
	_, err := s.db.Exec(
		`INSERT INTO offsets (consumer, topic_id, offset) VALUES (?, ?, ?)
		 ON CONFLICT (consumer, topic_id) DO UPDATE SET offset = excluded.offset`,
		consumerName, topicID, offset,
	)
	if err != nil {
		return fmt.Errorf("lance: save offset: %w", err)
	}
	return nil
}

func (s *SQLiteOffsetStore) Delete(consumerName string, topicID uint32) error {
	_, err := s.db.Exec(
		`DELETE FROM offsets WHERE consumer = ? AND topic_id = ?`,
		consumerName, topicID,
	)
	if err != nil {
		return fmt.Errorf("lance: delete offset: %w", err)
	}
	return nil
}
