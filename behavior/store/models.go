package store

import (
	"time"
)

// Rule definitions, with nested structures stored as JSON blobs.
type RuleRow struct {
	ID             string `gorm:"primarykey"`
	ServerID       string `gorm:"index;not null"`
	Name           string
	Description    string
	Enabled        bool   `gorm:"index"`
	TriggerType    string `gorm:"index"`
	Trigger        []byte `gorm:"column:trigger_config"`
	Tracking       []byte `gorm:"column:tracking_config"`
	Analysis       []byte `gorm:"column:analysis_config"`
	Condition      string `gorm:"column:condition_expr"`
	Actions        []byte
	Safety         []byte `gorm:"column:safety_config"`
	ExecutionCount int64  `gorm:"not null;default:0"`
	LastExecuted   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (RuleRow) TableName() string {
	return "rule_definitions"
}

type SessionRow struct {
	ID             string `gorm:"primarykey"`
	RuleID         string `gorm:"index;not null"`
	ExecutionID    string
	ServerID       string `gorm:"index:idx_session_server_status;not null"`
	TargetType     string
	TargetID       string
	DurationMs     int64
	StartedAt      time.Time
	ExpiresAt      time.Time `gorm:"index"`
	Data           []byte
	StopConditions []byte
	Status         string `gorm:"index:idx_session_server_status;not null"`
	CompletedAt    *time.Time
	StopReason     string
	TriggerContext []byte
	UpdatedAt      time.Time
}

func (SessionRow) TableName() string {
	return "active_tracking_sessions"
}

type TicketRow struct {
	ID          string `gorm:"primarykey"`
	ServerID    string `gorm:"index:idx_ticket_server_status;not null"`
	RuleID      string `gorm:"index"`
	ExecutionID string
	UserID      string
	Title       string
	Description string
	Priority    string
	Status      string `gorm:"index:idx_ticket_server_status"`
	CreatedAt   time.Time
}

func (TicketRow) TableName() string {
	return "moderator_tickets"
}
