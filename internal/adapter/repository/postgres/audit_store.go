package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/pkg/snowflake"
)

// jsonMap stores a string map as JSONB.
type jsonMap map[string]string

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *jsonMap) Scan(value any) error {
	if value == nil {
		*m = jsonMap{}
		return nil
	}
	raw, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			raw = []byte(s)
		} else {
			return fmt.Errorf("unsupported jsonb scan type %T", value)
		}
	}
	return json.Unmarshal(raw, m)
}

// jsonStrings stores a string slice as JSONB.
type jsonStrings []string

func (s jsonStrings) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *jsonStrings) Scan(value any) error {
	if value == nil {
		*s = jsonStrings{}
		return nil
	}
	raw, ok := value.([]byte)
	if !ok {
		if str, ok := value.(string); ok {
			raw = []byte(str)
		} else {
			return fmt.Errorf("unsupported jsonb scan type %T", value)
		}
	}
	return json.Unmarshal(raw, s)
}

// AuditLogModel is the database DTO with gorm tags.
type AuditLogModel struct {
	ID              int64       `gorm:"primaryKey"`
	EntityType      string      `gorm:"type:varchar(50);not null;index:idx_audit_entity,priority:1"`
	EntityID        int64       `gorm:"not null;index:idx_audit_entity,priority:2"`
	ServiceName     string      `gorm:"type:varchar(100);not null;index:idx_audit_quota,priority:1"`
	Status          string      `gorm:"type:varchar(20);not null;index:idx_audit_quota,priority:2"`
	OperationType   string      `gorm:"type:varchar(50);not null"`
	StartedAt       time.Time   `gorm:"not null"`
	CompletedAt     *time.Time  `gorm:"index:idx_audit_quota,priority:3"`
	ExecutionTimeMS int64       `gorm:"column:execution_time_ms"`
	ColumnsAffected jsonStrings `gorm:"type:jsonb"`
	Metadata        jsonMap     `gorm:"type:jsonb"`
	ErrorMessage    string      `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (AuditLogModel) TableName() string {
	return "service_audit_logs"
}

// AuditStore is the gorm-backed audit.Store implementation.
type AuditStore struct {
	db  *gorm.DB
	ids *snowflake.Node
}

func NewAuditStore(db *gorm.DB, ids *snowflake.Node) *AuditStore {
	return &AuditStore{db: db, ids: ids}
}

func (s *AuditStore) CreateAttempt(ctx context.Context, ref entity.Ref, serviceName, operationType string, metadata map[string]string) (*audit.Entry, error) {
	now := time.Now().UTC()
	model := AuditLogModel{
		ID:              s.ids.GenerateID(),
		EntityType:      string(ref.Kind),
		EntityID:        ref.ID,
		ServiceName:     serviceName,
		Status:          string(audit.StatusPending),
		OperationType:   operationType,
		StartedAt:       now,
		ColumnsAffected: jsonStrings{},
		Metadata:        jsonMap(metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if model.Metadata == nil {
		model.Metadata = jsonMap{}
	}

	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, fmt.Errorf("create audit attempt: %w", err)
	}
	return toEntry(model), nil
}

func (s *AuditStore) CompleteSuccess(ctx context.Context, entryID int64, result audit.Completion) error {
	return s.complete(ctx, entryID, audit.StatusSuccess, result)
}

func (s *AuditStore) CompleteFailure(ctx context.Context, entryID int64, result audit.Completion) error {
	return s.complete(ctx, entryID, audit.StatusFailed, result)
}

func (s *AuditStore) CompleteRateLimited(ctx context.Context, entryID int64, result audit.Completion) error {
	return s.complete(ctx, entryID, audit.StatusRateLimited, result)
}

// complete performs the single legal transition pending -> terminal. The
// guarded update plus RowsAffected keeps terminal entries immutable even
// under racing completions.
func (s *AuditStore) complete(ctx context.Context, entryID int64, status audit.Status, result audit.Completion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model AuditLogModel
		if err := tx.First(&model, "id = ?", entryID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return audit.ErrNotFound
			}
			return err
		}

		merged := model.Metadata
		if merged == nil {
			merged = jsonMap{}
		}
		for k, v := range result.MetadataPatch {
			merged[k] = v
		}

		columns := model.ColumnsAffected
		if len(result.ColumnsAffected) > 0 {
			columns = unionStrings(columns, result.ColumnsAffected)
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"status":            string(status),
			"completed_at":      now,
			"execution_time_ms": result.ExecutionTimeMS,
			"columns_affected":  columns,
			"metadata":          merged,
			"updated_at":        now,
		}
		if status != audit.StatusSuccess {
			updates["error_message"] = result.ErrorMessage
		}

		res := tx.Model(&AuditLogModel{}).
			Where("id = ? AND status = ?", entryID, string(audit.StatusPending)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return audit.ErrAlreadyCompleted
		}
		return nil
	})
}

func (s *AuditStore) Get(ctx context.Context, entryID int64) (*audit.Entry, error) {
	var model AuditLogModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", entryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, audit.ErrNotFound
		}
		return nil, err
	}
	return toEntry(model), nil
}

func (s *AuditStore) LatestEntry(ctx context.Context, ref entity.Ref, serviceName string) (*audit.Entry, error) {
	var model AuditLogModel
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND service_name = ?", string(ref.Kind), ref.ID, serviceName).
		Order("started_at DESC, id DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toEntry(model), nil
}

func (s *AuditStore) LatestEntries(ctx context.Context, refs []entity.Ref, serviceName string) (map[entity.Ref]*audit.Entry, error) {
	result := make(map[entity.Ref]*audit.Entry, len(refs))
	if len(refs) == 0 {
		return result, nil
	}

	byKind := make(map[entity.Kind][]int64)
	for _, ref := range refs {
		byKind[ref.Kind] = append(byKind[ref.Kind], ref.ID)
	}

	for kind, ids := range byKind {
		var models []AuditLogModel
		err := s.db.WithContext(ctx).Raw(
			`SELECT DISTINCT ON (entity_id) *
			 FROM service_audit_logs
			 WHERE entity_type = ? AND service_name = ? AND entity_id IN ?
			 ORDER BY entity_id, started_at DESC, id DESC`,
			string(kind), serviceName, ids,
		).Scan(&models).Error
		if err != nil {
			return nil, fmt.Errorf("latest entries for %s: %w", kind, err)
		}
		for _, model := range models {
			e := toEntry(model)
			result[e.Entity] = e
		}
	}
	return result, nil
}

func (s *AuditStore) RecentSuccess(ctx context.Context, ref entity.Ref, serviceName string, within time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-within)
	var count int64
	err := s.db.WithContext(ctx).Model(&AuditLogModel{}).
		Where("entity_type = ? AND entity_id = ? AND service_name = ? AND status = ? AND completed_at >= ?",
			string(ref.Kind), ref.ID, serviceName, string(audit.StatusSuccess), cutoff).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *AuditStore) CountByStatusSince(ctx context.Context, serviceName string, statuses []audit.Status, since time.Time) (int64, error) {
	values := make([]string, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&AuditLogModel{}).
		Where("service_name = ? AND status IN ? AND completed_at >= ?", serviceName, values, since).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *AuditStore) LastRateLimitedAt(ctx context.Context, serviceName string) (*time.Time, error) {
	var model AuditLogModel
	err := s.db.WithContext(ctx).
		Where("service_name = ? AND status = ?", serviceName, string(audit.StatusRateLimited)).
		Order("completed_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.CompletedAt, nil
}

func (s *AuditStore) CountCompleted(ctx context.Context, serviceName string, kind entity.Kind) (int64, error) {
	query := s.db.WithContext(ctx).Model(&AuditLogModel{}).
		Where("service_name = ? AND status = ?", serviceName, string(audit.StatusSuccess))
	if kind != "" {
		query = query.Where("entity_type = ?", string(kind))
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (s *AuditStore) CleanupOldLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	terminal := make([]string, 0, 3)
	for _, st := range audit.TerminalStatuses() {
		terminal = append(terminal, string(st))
	}

	res := s.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", terminal, olderThan).
		Delete(&AuditLogModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// Mappers

func toEntry(m AuditLogModel) *audit.Entry {
	return &audit.Entry{
		ID:              m.ID,
		Entity:          entity.Ref{Kind: entity.Kind(m.EntityType), ID: m.EntityID},
		ServiceName:     m.ServiceName,
		Status:          audit.Status(m.Status),
		OperationType:   m.OperationType,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
		ExecutionTimeMS: m.ExecutionTimeMS,
		ColumnsAffected: []string(m.ColumnsAffected),
		Metadata:        map[string]string(m.Metadata),
		ErrorMessage:    m.ErrorMessage,
	}
}

func unionStrings(base []string, extra []string) jsonStrings {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make(jsonStrings, 0, len(base)+len(extra))
	for _, v := range base {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range extra {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}
