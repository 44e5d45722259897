package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
	"github.com/connectica/enrichd/pkg/snowflake"
	"github.com/connectica/enrichd/pkg/testhelper"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()
	container, err := testhelper.SetupPostgres(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Teardown(context.Background()) })

	db, err := gorm.Open(gormpostgres.Open(container.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&AuditLogModel{}, &ServiceConfigurationModel{}, &EntityModel{}))
	return db
}

func newIntegrationStore(t *testing.T) *AuditStore {
	t.Helper()
	ids, err := snowflake.NewNode()
	require.NoError(t, err)
	return NewAuditStore(setupDB(t), ids)
}

func TestAuditStoreLifecycle(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	ref := entity.Ref{Kind: entity.KindCompany, ID: 1}

	entry, err := store.CreateAttempt(ctx, ref, "domain_testing", audit.OpQueueIndividual, map[string]string{"origin": "test"})
	require.NoError(t, err)
	assert.Equal(t, audit.StatusPending, entry.Status)
	assert.NotZero(t, entry.ID)

	err = store.CompleteSuccess(ctx, entry.ID, audit.Completion{
		ExecutionTimeMS: 420,
		ColumnsAffected: []string{"website", "dns_ok"},
		MetadataPatch:   map[string]string{"resolver": "8.8.8.8"},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.EqualValues(t, 420, got.ExecutionTimeMS)
	assert.ElementsMatch(t, []string{"website", "dns_ok"}, got.ColumnsAffected)
	// Patch merges into the creation-time metadata.
	assert.Equal(t, "test", got.Metadata["origin"])
	assert.Equal(t, "8.8.8.8", got.Metadata["resolver"])

	// Terminal entries are immutable.
	err = store.CompleteFailure(ctx, entry.ID, audit.Completion{ErrorMessage: "nope"})
	assert.ErrorIs(t, err, audit.ErrAlreadyCompleted)

	got, err = store.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, audit.StatusSuccess, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestAuditStoreLatestEntries(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	ref1 := entity.Ref{Kind: entity.KindCompany, ID: 1}
	ref2 := entity.Ref{Kind: entity.KindCompany, ID: 2}

	first, err := store.CreateAttempt(ctx, ref1, "domain_testing", audit.OpBatchUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, store.CompleteFailure(ctx, first.ID, audit.Completion{ErrorMessage: "timeout"}))

	second, err := store.CreateAttempt(ctx, ref1, "domain_testing", audit.OpBatchUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, store.CompleteSuccess(ctx, second.ID, audit.Completion{}))

	// Another service's entries must not bleed in.
	other, err := store.CreateAttempt(ctx, ref2, "company_web_discovery", audit.OpBatchUpdate, nil)
	require.NoError(t, err)
	_ = other

	latest, err := store.LatestEntries(ctx, []entity.Ref{ref1, ref2}, "domain_testing")
	require.NoError(t, err)
	require.NotNil(t, latest[ref1])
	assert.Equal(t, second.ID, latest[ref1].ID)
	assert.Equal(t, audit.StatusSuccess, latest[ref1].Status)
	assert.Nil(t, latest[ref2])

	ok, err := store.RecentSuccess(ctx, ref1, "domain_testing", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAuditStoreQuotaQueries(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	complete := func(ref entity.Ref, terminal func(context.Context, int64, audit.Completion) error) {
		e, err := store.CreateAttempt(ctx, ref, "person_email_extraction", audit.OpBatchUpdate, nil)
		require.NoError(t, err)
		require.NoError(t, terminal(ctx, e.ID, audit.Completion{}))
	}

	complete(entity.Ref{Kind: entity.KindPerson, ID: 1}, store.CompleteSuccess)
	complete(entity.Ref{Kind: entity.KindPerson, ID: 2}, store.CompleteSuccess)
	complete(entity.Ref{Kind: entity.KindPerson, ID: 3}, store.CompleteRateLimited)
	complete(entity.Ref{Kind: entity.KindPerson, ID: 4}, store.CompleteFailure)

	count, err := store.CountByStatusSince(ctx, "person_email_extraction",
		[]audit.Status{audit.StatusSuccess, audit.StatusRateLimited},
		time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 3, count, "failed attempts do not consume quota")

	last, err := store.LastRateLimitedAt(ctx, "person_email_extraction")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, time.Now().UTC(), *last, time.Minute)

	completed, err := store.CountCompleted(ctx, "person_email_extraction", entity.KindPerson)
	require.NoError(t, err)
	assert.EqualValues(t, 2, completed)
}

func TestAuditStoreCleanup(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	e, err := store.CreateAttempt(ctx, entity.Ref{Kind: entity.KindDomain, ID: 1}, "domain_testing", audit.OpBatchUpdate, nil)
	require.NoError(t, err)
	require.NoError(t, store.CompleteSuccess(ctx, e.ID, audit.Completion{}))

	pending, err := store.CreateAttempt(ctx, entity.Ref{Kind: entity.KindDomain, ID: 2}, "domain_testing", audit.OpBatchUpdate, nil)
	require.NoError(t, err)

	removed, err := store.CleanupOldLogs(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	// Pending rows survive any cutoff.
	_, err = store.Get(ctx, pending.ID)
	assert.NoError(t, err)
}

func TestConfigStoreRoundTrip(t *testing.T) {
	db := setupDB(t)
	store := NewConfigStore(db)
	ctx := context.Background()

	descriptor := serviceconfig.Descriptor{
		ServiceName:     "company_web_discovery",
		Active:          true,
		RefreshInterval: 30 * 24 * time.Hour,
		DependsOn:       []string{"domain_testing"},
		BatchSizeLimit:  500,
		FailureBackoff:  time.Hour,
		RetryAttempts:   3,
		Settings:        map[string]string{"api_provider": "serp"},
		QuotaGoverned:   true,
		CallsPerUnit:    2,
		DailyQuota:      1000,
		SafetyBuffer:    100,
	}
	require.NoError(t, store.Upsert(ctx, descriptor))

	loaded, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, descriptor, loaded[0])

	// Upsert by name updates in place.
	descriptor.Active = false
	descriptor.DailyQuota = 2000
	require.NoError(t, store.Upsert(ctx, descriptor))

	loaded, err = store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Active)
	assert.EqualValues(t, 2000, loaded[0].DailyQuota)
}

func TestCandidateSource(t *testing.T) {
	db := setupDB(t)
	source := NewCandidateSource(db)
	ctx := context.Background()

	require.NoError(t, source.Register(ctx, entity.Ref{Kind: entity.KindCompany, ID: 1}, 10))
	require.NoError(t, source.Register(ctx, entity.Ref{Kind: entity.KindCompany, ID: 2}, 50))
	require.NoError(t, source.Register(ctx, entity.Ref{Kind: entity.KindDomain, ID: 3}, 99))

	companies, err := source.Candidates(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	require.Len(t, companies, 2)
	assert.EqualValues(t, 2, companies[0].Ref.ID, "highest sort key first")
	assert.EqualValues(t, 1, companies[1].Ref.ID)

	all, err := source.Candidates(ctx, "domain_testing", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, source.Deactivate(ctx, entity.Ref{Kind: entity.KindCompany, ID: 2}))
	companies, err = source.Candidates(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	require.Len(t, companies, 1)
	assert.EqualValues(t, 1, companies[0].Ref.ID)
}
