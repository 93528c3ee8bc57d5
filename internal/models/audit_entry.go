package models

import "time"

// Audit actions.
const (
	ActionChat       = "chat"
	ActionConnect    = "ssh.connect"
	ActionExec       = "ssh.exec"
	ActionInfer      = "ssh.infer"
	ActionDisconnect = "ssh.disconnect"
	ActionExpire     = "ssh.expire"
	ActionBroadcast  = "broadcast"
	ActionKeyCreate  = "key.create"
	ActionModel      = "model.switch"
)

// Audit outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// AuditEntry records one gateway action for later review.
type AuditEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Identity  string    `gorm:"size:64;index" json:"identity"`
	Action    string    `gorm:"size:32;not null;index" json:"action"`
	Model     string    `gorm:"size:128" json:"model,omitempty"`
	Backend   string    `gorm:"size:32" json:"backend,omitempty"`
	SessionID string    `gorm:"size:64;index" json:"session_id,omitempty"`
	Outcome   string    `gorm:"size:16;default:ok" json:"outcome"`
	Detail    string    `gorm:"type:text" json:"detail,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `gorm:"index" json:"created"`
}
