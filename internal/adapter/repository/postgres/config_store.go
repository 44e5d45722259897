package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/connectica/enrichd/internal/domain/serviceconfig"
)

// ServiceConfigurationModel is the database DTO with gorm tags.
type ServiceConfigurationModel struct {
	ID                     int64       `gorm:"primaryKey;autoIncrement"`
	ServiceName            string      `gorm:"type:varchar(100);not null;uniqueIndex"`
	Active                 bool        `gorm:"not null;default:true"`
	RefreshIntervalSeconds int64       `gorm:"not null"`
	DependsOnServices      jsonStrings `gorm:"type:jsonb"`
	BatchSizeLimit         int         `gorm:"not null;default:1000"`
	FailureBackoffSeconds  int64       `gorm:"not null;default:0"`
	RetryAttempts          int         `gorm:"not null;default:3"`
	Settings               jsonMap     `gorm:"type:jsonb"`
	QuotaGoverned          bool        `gorm:"not null;default:false"`
	CallsPerUnit           int         `gorm:"not null;default:1"`
	DailyQuota             int64       `gorm:"not null;default:0"`
	SafetyBuffer           int64       `gorm:"not null;default:0"`
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (ServiceConfigurationModel) TableName() string {
	return "service_configurations"
}

// ConfigStore loads service descriptors for the registry.
type ConfigStore struct {
	db *gorm.DB
}

func NewConfigStore(db *gorm.DB) *ConfigStore {
	return &ConfigStore{db: db}
}

func (s *ConfigStore) LoadAll(ctx context.Context) ([]serviceconfig.Descriptor, error) {
	var models []ServiceConfigurationModel
	if err := s.db.WithContext(ctx).Order("service_name asc").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load service configurations: %w", err)
	}

	descriptors := make([]serviceconfig.Descriptor, 0, len(models))
	for _, model := range models {
		descriptors = append(descriptors, toDescriptor(model))
	}
	return descriptors, nil
}

// Upsert writes a descriptor, keyed by service name. Operator tooling only;
// the scheduling core never mutates configuration.
func (s *ConfigStore) Upsert(ctx context.Context, d serviceconfig.Descriptor) error {
	model := toConfigModel(d)
	now := time.Now().UTC()

	var existing ServiceConfigurationModel
	err := s.db.WithContext(ctx).Where("service_name = ?", d.ServiceName).First(&existing).Error
	switch {
	case err == nil:
		model.ID = existing.ID
		model.CreatedAt = existing.CreatedAt
		model.UpdatedAt = now
		return s.db.WithContext(ctx).Save(&model).Error
	case err == gorm.ErrRecordNotFound:
		model.CreatedAt = now
		model.UpdatedAt = now
		return s.db.WithContext(ctx).Create(&model).Error
	default:
		return err
	}
}

// Mappers

func toDescriptor(m ServiceConfigurationModel) serviceconfig.Descriptor {
	return serviceconfig.Descriptor{
		ServiceName:     m.ServiceName,
		Active:          m.Active,
		RefreshInterval: time.Duration(m.RefreshIntervalSeconds) * time.Second,
		DependsOn:       []string(m.DependsOnServices),
		BatchSizeLimit:  m.BatchSizeLimit,
		FailureBackoff:  time.Duration(m.FailureBackoffSeconds) * time.Second,
		RetryAttempts:   m.RetryAttempts,
		Settings:        map[string]string(m.Settings),
		QuotaGoverned:   m.QuotaGoverned,
		CallsPerUnit:    m.CallsPerUnit,
		DailyQuota:      m.DailyQuota,
		SafetyBuffer:    m.SafetyBuffer,
	}
}

func toConfigModel(d serviceconfig.Descriptor) ServiceConfigurationModel {
	return ServiceConfigurationModel{
		ServiceName:            d.ServiceName,
		Active:                 d.Active,
		RefreshIntervalSeconds: int64(d.RefreshInterval / time.Second),
		DependsOnServices:      jsonStrings(d.DependsOn),
		BatchSizeLimit:         d.BatchSizeLimit,
		FailureBackoffSeconds:  int64(d.FailureBackoff / time.Second),
		RetryAttempts:          d.RetryAttempts,
		Settings:               jsonMap(d.Settings),
		QuotaGoverned:          d.QuotaGoverned,
		CallsPerUnit:           d.CallsPerUnit,
		DailyQuota:             d.DailyQuota,
		SafetyBuffer:           d.SafetyBuffer,
	}
}
