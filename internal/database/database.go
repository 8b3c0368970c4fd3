package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the sqlite handle shared by the conversation storage and the backup service.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	// Создаем директорию для БД, если её нет
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers anyway; one connection also keeps ":memory:" a single database
	db.SetMaxOpenConns(1)

	// Проверяем соединение
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Создаем таблицы
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, path: path, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            chat_id INTEGER NOT NULL,
            user_id INTEGER NOT NULL,
            state TEXT NOT NULL,
            form TEXT NOT NULL DEFAULT '{}',
            version INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (chat_id, user_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_state ON conversations(state)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

// CountByState returns the number of stored conversations per state.
func (db *DB) CountByState(ctx context.Context) (map[string]int, error) {
	return countByState(ctx, db.DB)
}

func countByState(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM conversations GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversations: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
