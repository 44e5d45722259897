package audit

import (
	"time"

	"github.com/connectica/enrichd/internal/domain/entity"
)

// Status is the lifecycle state of an audit entry.
type Status string

const (
	StatusPending     Status = "pending"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
)

// TerminalStatuses are the states an entry can never leave.
func TerminalStatuses() []Status {
	return []Status{StatusSuccess, StatusFailed, StatusRateLimited}
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusRateLimited
}

// Entry is one recorded attempt of a service against an entity.
// Created pending, completed exactly once, never reopened.
type Entry struct {
	ID              int64             `json:"id,string"`
	Entity          entity.Ref        `json:"entity"`
	ServiceName     string            `json:"service_name"`
	Status          Status            `json:"status"`
	OperationType   string            `json:"operation_type"`
	StartedAt       time.Time         `json:"started_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ExecutionTimeMS int64             `json:"execution_time_ms"`
	ColumnsAffected []string          `json:"columns_affected"`
	Metadata        map[string]string `json:"metadata"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

// Operation types recorded on entries.
const (
	OpQueueIndividual = "queue_individual"
	OpBatchUpdate     = "batch_update"
)
