package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/adapter/repository/postgres"
	"github.com/connectica/enrichd/internal/config"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
	"github.com/connectica/enrichd/pkg/db"
)

// seedDescriptors are the baseline service configurations a fresh
// installation starts from. Operators tune them in the database afterwards.
func seedDescriptors() []serviceconfig.Descriptor {
	return []serviceconfig.Descriptor{
		{
			ServiceName:     "domain_testing",
			Active:          true,
			RefreshInterval: 24 * time.Hour,
			BatchSizeLimit:  1000,
			RetryAttempts:   3,
		},
		{
			ServiceName:     "company_web_discovery",
			Active:          true,
			RefreshInterval: 30 * 24 * time.Hour,
			DependsOn:       []string{"domain_testing"},
			BatchSizeLimit:  500,
			RetryAttempts:   3,
		},
		{
			ServiceName:     "company_linkedin_discovery",
			Active:          true,
			RefreshInterval: 30 * 24 * time.Hour,
			BatchSizeLimit:  500,
			RetryAttempts:   3,
		},
		{
			ServiceName:     "company_employee_discovery",
			Active:          true,
			RefreshInterval: 7 * 24 * time.Hour,
			DependsOn:       []string{"company_linkedin_discovery"},
			BatchSizeLimit:  100,
			RetryAttempts:   2,
		},
		{
			ServiceName:     "person_email_extraction",
			Active:          true,
			RefreshInterval: 7 * 24 * time.Hour,
			BatchSizeLimit:  50,
			RetryAttempts:   3,
			QuotaGoverned:   true,
			CallsPerUnit:    1,
			DailyQuota:      500,
			SafetyBuffer:    50,
			Settings: map[string]string{
				"api_provider":    "hunter_io",
				"timeout_seconds": "30",
			},
		},
	}
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert baseline service configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			gormDB, err := db.New(cfg, logger)
			if err != nil {
				return err
			}

			store := postgres.NewConfigStore(gormDB)
			ctx := context.Background()
			for _, d := range seedDescriptors() {
				if err := store.Upsert(ctx, d); err != nil {
					return err
				}
				logger.Info("service_configuration_seeded", zap.String("service", d.ServiceName))
			}
			return nil
		},
	}

	return cmd
}
