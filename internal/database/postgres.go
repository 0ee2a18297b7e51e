package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

type PgConversationRepository struct {
	conn *sql.DB
}

func NewPgConversationRepository(dsn string) (*PgConversationRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return NewPgConversationRepositoryFromDB(db), nil
}

func NewPgConversationRepositoryFromDB(db *sql.DB) *PgConversationRepository {
	return &PgConversationRepository{conn: db}
}

func (db *PgConversationRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgConversationRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
