package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/gestion360/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	quotas   *QuotaStore
	messages *MessageStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool, quotaOpts QuotaStoreOptions) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		quotas:   NewQuotaStore(pool, quotaOpts),
		messages: NewMessageStore(pool),
	}
}

// Quotas returns the quota counter repository.
func (s *Store) Quotas() *QuotaStore {
	if s == nil {
		return nil
	}
	return s.quotas
}

// Messages returns the message history repository.
func (s *Store) Messages() *MessageStore {
	if s == nil {
		return nil
	}
	return s.messages
}
