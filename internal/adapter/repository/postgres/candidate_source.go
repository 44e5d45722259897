package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/connectica/enrichd/internal/domain/entity"
)

// EntityModel is the registry of enrichable records. Enrichment targets are
// registered here by importers; the scheduling core only ever reads it.
type EntityModel struct {
	ID         int64   `gorm:"primaryKey;autoIncrement"`
	EntityType string  `gorm:"type:varchar(50);not null;index:idx_entities_kind,priority:1"`
	EntityID   int64   `gorm:"not null"`
	SortKey    float64 `gorm:"not null;default:0"`
	Active     bool    `gorm:"not null;default:true;index:idx_entities_kind,priority:2"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (EntityModel) TableName() string {
	return "entities"
}

// CandidateSource is the gorm-backed entity.Source implementation.
type CandidateSource struct {
	db *gorm.DB
}

func NewCandidateSource(db *gorm.DB) *CandidateSource {
	return &CandidateSource{db: db}
}

// Candidates returns the active registered entities of the given kind,
// highest sort key first. Service-specific suitability (does the company
// have a website, a LinkedIn URL) is the importer's concern; rows that a
// service cannot process simply never succeed and stay visible as failed
// audit entries.
func (s *CandidateSource) Candidates(ctx context.Context, serviceName string, kind entity.Kind) ([]entity.Candidate, error) {
	q := s.db.WithContext(ctx).
		Model(&EntityModel{}).
		Where("active = ?", true)
	if kind != "" {
		q = q.Where("entity_type = ?", string(kind))
	}

	var models []EntityModel
	if err := q.Order("sort_key DESC, entity_id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load candidates for %s: %w", serviceName, err)
	}

	candidates := make([]entity.Candidate, 0, len(models))
	for _, m := range models {
		candidates = append(candidates, entity.Candidate{
			Ref:     entity.Ref{Kind: entity.Kind(m.EntityType), ID: m.EntityID},
			SortKey: m.SortKey,
		})
	}
	return candidates, nil
}

// Register upserts an enrichable entity. Used by seeding and importers.
func (s *CandidateSource) Register(ctx context.Context, ref entity.Ref, sortKey float64) error {
	model := EntityModel{
		EntityType: string(ref.Kind),
		EntityID:   ref.ID,
		SortKey:    sortKey,
		Active:     true,
	}
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", model.EntityType, model.EntityID).
		Assign(map[string]any{"sort_key": sortKey, "active": true}).
		FirstOrCreate(&model).Error
	if err != nil {
		return fmt.Errorf("register entity %s: %w", ref, err)
	}
	return nil
}

// Deactivate removes an entity from candidate populations without deleting
// its audit history.
func (s *CandidateSource) Deactivate(ctx context.Context, ref entity.Ref) error {
	err := s.db.WithContext(ctx).
		Model(&EntityModel{}).
		Where("entity_type = ? AND entity_id = ?", string(ref.Kind), ref.ID).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate entity %s: %w", ref, err)
	}
	return nil
}
