// Database persistence for rule definitions, tracking sessions, and moderator tickets, on gorm.
//
// Works with both the postgres and sqlite gorm drivers.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Creates or updates all tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&RuleRow{}, &SessionRow{}, &TicketRow{}); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// Encodes v as JSON, or returns nil for a nil value.
func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// Decodes a JSON column into out. Empty columns leave out untouched.
func decodeJSON(b []byte, out any) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, out)
}
