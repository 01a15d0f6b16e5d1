package store

import (
	"context"
	"fmt"

	"github.com/wardenbot/warden/behavior/action"
)

var _ action.TicketStore = (*Store)(nil)

func (s *Store) CreateTicket(ctx context.Context, t *action.Ticket) error {
	row := TicketRow{
		ID:          t.ID,
		ServerID:    t.ServerID,
		RuleID:      t.RuleID,
		ExecutionID: t.ExecutionID,
		UserID:      t.UserID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("creating ticket: %w", err)
	}
	return nil
}

// Lists tickets for a server, newest first. Empty status lists all statuses.
func (s *Store) ListTickets(ctx context.Context, serverID, status string, limit int) ([]action.Ticket, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows []TicketRow
	q := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at desc").Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tickets: %w", err)
	}
	out := make([]action.Ticket, len(rows))
	for i, row := range rows {
		out[i] = action.Ticket{
			ID:          row.ID,
			ServerID:    row.ServerID,
			RuleID:      row.RuleID,
			ExecutionID: row.ExecutionID,
			UserID:      row.UserID,
			Title:       row.Title,
			Description: row.Description,
			Priority:    row.Priority,
			Status:      row.Status,
			CreatedAt:   row.CreatedAt,
		}
	}
	return out, nil
}
