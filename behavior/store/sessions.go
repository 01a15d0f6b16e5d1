package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wardenbot/warden/behavior/bdl"
	"github.com/wardenbot/warden/behavior/tracking"
)

var _ tracking.SessionStore = (*Store)(nil)

func sessionToRow(s *tracking.Session) (*SessionRow, error) {
	row := SessionRow{
		ID:          s.ID,
		RuleID:      s.RuleID,
		ExecutionID: s.ExecutionID,
		ServerID:    s.ServerID,
		TargetType:  string(s.Target.Type),
		TargetID:    s.Target.ID,
		DurationMs:  s.Duration.Milliseconds(),
		StartedAt:   s.StartedAt.UTC(),
		ExpiresAt:   s.ExpiresAt.UTC(),
		Status:      string(s.Status),
		CompletedAt: s.CompletedAt,
		StopReason:  s.StopReason,
	}
	var err error
	if row.Data, err = encodeJSON(s.Data); err != nil {
		return nil, fmt.Errorf("encoding collected data: %w", err)
	}
	if row.StopConditions, err = encodeJSON(s.StopConditions); err != nil {
		return nil, fmt.Errorf("encoding stop conditions: %w", err)
	}
	if row.TriggerContext, err = encodeJSON(s.Trigger); err != nil {
		return nil, fmt.Errorf("encoding trigger context: %w", err)
	}
	return &row, nil
}

func rowToSession(row *SessionRow) (*tracking.Session, error) {
	s := tracking.Session{
		ID:          row.ID,
		RuleID:      row.RuleID,
		ExecutionID: row.ExecutionID,
		ServerID:    row.ServerID,
		Target:      tracking.Target{Type: bdl.TargetType(row.TargetType), ID: row.TargetID},
		Duration:    time.Duration(row.DurationMs) * time.Millisecond,
		StartedAt:   row.StartedAt,
		ExpiresAt:   row.ExpiresAt,
		Status:      tracking.Status(row.Status),
		CompletedAt: row.CompletedAt,
		StopReason:  row.StopReason,
	}
	if err := decodeJSON(row.Data, &s.Data); err != nil {
		return nil, fmt.Errorf("decoding collected data: %w", err)
	}
	if err := decodeJSON(row.StopConditions, &s.StopConditions); err != nil {
		return nil, fmt.Errorf("decoding stop conditions: %w", err)
	}
	if err := decodeJSON(row.TriggerContext, &s.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger context: %w", err)
	}
	if s.Data.Custom == nil {
		s.Data.Custom = map[string]float64{}
	}
	return &s, nil
}

func (s *Store) SaveSession(ctx context.Context, sess *tracking.Session) error {
	row, err := sessionToRow(sess)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"data", "status", "completed_at", "stop_reason", "expires_at", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("saving tracking session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) LoadSession(ctx context.Context, id string) (*tracking.Session, error) {
	var row SessionRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, tracking.ErrSessionNotFound
		}
		return nil, fmt.Errorf("loading tracking session %s: %w", id, err)
	}
	return rowToSession(&row)
}

func (s *Store) ListSessions(ctx context.Context, serverID string, status tracking.Status) ([]tracking.Session, error) {
	var rows []SessionRow
	q := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("started_at")
	if serverID != "" {
		q = q.Where("server_id = ?", serverID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tracking sessions: %w", err)
	}

	out := make([]tracking.Session, 0, len(rows))
	for i := range rows {
		sess, err := rowToSession(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable tracking session", "session", rows[i].ID, "err", err)
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

// Deletes terminal sessions which finished before the given time. Returns the number of rows removed.
func (s *Store) PurgeSessions(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status <> ? AND completed_at < ?", string(tracking.StatusActive), before.UTC()).
		Delete(&SessionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging tracking sessions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
