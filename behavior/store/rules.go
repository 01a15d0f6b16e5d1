package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wardenbot/warden/behavior/bdl"
)

func ruleToRow(r *bdl.RuleDefinition) (*RuleRow, error) {
	row := RuleRow{
		ID:             r.ID,
		ServerID:       r.ServerID,
		Name:           r.Name,
		Description:    r.Description,
		Enabled:        r.Enabled,
		TriggerType:    string(r.Trigger.Type),
		Condition:      r.Condition,
		ExecutionCount: r.ExecutionCount,
		LastExecuted:   r.LastExecuted,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	var err error
	if row.Trigger, err = encodeJSON(r.Trigger); err != nil {
		return nil, fmt.Errorf("encoding trigger: %w", err)
	}
	if r.Tracking != nil {
		if row.Tracking, err = encodeJSON(r.Tracking); err != nil {
			return nil, fmt.Errorf("encoding tracking: %w", err)
		}
	}
	if r.Analysis != nil {
		if row.Analysis, err = encodeJSON(r.Analysis); err != nil {
			return nil, fmt.Errorf("encoding analysis: %w", err)
		}
	}
	actions := r.Actions
	if actions == nil {
		actions = bdl.ActionList{}
	}
	if row.Actions, err = encodeJSON(actions); err != nil {
		return nil, fmt.Errorf("encoding actions: %w", err)
	}
	if row.Safety, err = encodeJSON(r.Safety); err != nil {
		return nil, fmt.Errorf("encoding safety: %w", err)
	}
	return &row, nil
}

func rowToRule(row *RuleRow) (bdl.RuleDefinition, error) {
	r := bdl.RuleDefinition{
		ID:             row.ID,
		ServerID:       row.ServerID,
		Name:           row.Name,
		Description:    row.Description,
		Enabled:        row.Enabled,
		Condition:      row.Condition,
		ExecutionCount: row.ExecutionCount,
		LastExecuted:   row.LastExecuted,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
	if err := decodeJSON(row.Trigger, &r.Trigger); err != nil {
		return r, fmt.Errorf("decoding trigger: %w", err)
	}
	if len(row.Tracking) > 0 {
		r.Tracking = &bdl.TrackingSpec{}
		if err := decodeJSON(row.Tracking, r.Tracking); err != nil {
			return r, fmt.Errorf("decoding tracking: %w", err)
		}
	}
	if len(row.Analysis) > 0 {
		r.Analysis = &bdl.AnalysisSpec{}
		if err := decodeJSON(row.Analysis, r.Analysis); err != nil {
			return r, fmt.Errorf("decoding analysis: %w", err)
		}
	}
	if err := decodeJSON(row.Actions, &r.Actions); err != nil {
		return r, fmt.Errorf("decoding actions: %w", err)
	}
	if err := decodeJSON(row.Safety, &r.Safety); err != nil {
		return r, fmt.Errorf("decoding safety: %w", err)
	}
	return r, nil
}

// Lists rules, optionally only the enabled ones. Rows which fail to decode are reported as load errors
// rather than failing the whole listing.
func (s *Store) ListRules(ctx context.Context, enabledOnly bool) ([]bdl.RuleDefinition, []bdl.LoadError, error) {
	var rows []RuleRow
	q := s.db.WithContext(ctx).Order("server_id, id")
	if enabledOnly {
		q = q.Where("enabled = ?", true)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, nil, fmt.Errorf("listing rules: %w", err)
	}

	out := make([]bdl.RuleDefinition, 0, len(rows))
	var loadErrs []bdl.LoadError
	for i := range rows {
		r, err := rowToRule(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable rule", "rule", rows[i].ID, "err", err)
			loadErrs = append(loadErrs, bdl.LoadError{RuleID: rows[i].ID, Err: err})
			continue
		}
		out = append(out, r)
	}
	return out, loadErrs, nil
}

func (s *Store) GetRule(ctx context.Context, id string) (*bdl.RuleDefinition, error) {
	var row RuleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, bdl.ErrRuleNotFound
		}
		return nil, fmt.Errorf("loading rule %s: %w", id, err)
	}
	r, err := rowToRule(&row)
	if err != nil {
		return nil, &bdl.LoadError{RuleID: id, Err: err}
	}
	return &r, nil
}

// Inserts or replaces a rule definition. Execution statistics of an existing row are preserved.
func (s *Store) SaveRule(ctx context.Context, r *bdl.RuleDefinition) error {
	row, err := ruleToRow(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"server_id", "name", "description", "enabled", "trigger_type", "trigger_config",
			"tracking_config", "analysis_config", "condition_expr", "actions", "safety_config", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("saving rule %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&RuleRow{}).Where("id = ?", id).Updates(map[string]any{
		"enabled":    enabled,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("updating rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return bdl.ErrRuleNotFound
	}
	return nil
}

// Increments the execution counter and sets the last executed time.
func (s *Store) RecordExecution(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&RuleRow{}).Where("id = ?", id).UpdateColumns(map[string]any{
		"execution_count": gorm.Expr("execution_count + ?", 1),
		"last_executed":   at.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("recording execution of rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return bdl.ErrRuleNotFound
	}
	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&RuleRow{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting rule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return bdl.ErrRuleNotFound
	}
	return nil
}
