package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/connectica/enrichd/internal/domain/audit"
	"github.com/connectica/enrichd/internal/domain/entity"
	"github.com/connectica/enrichd/internal/domain/serviceconfig"
	"github.com/connectica/enrichd/internal/eligibility"
	"github.com/connectica/enrichd/pkg/testhelper"
)

type fixedDepths struct {
	depth int64
	calls int
}

func (f *fixedDepths) QueueDepth(ctx context.Context, serviceName string) (int64, error) {
	f.calls++
	return f.depth, nil
}

func newTestAggregator(t *testing.T, store *testhelper.MemoryAuditStore, source *testhelper.StaticCandidateSource, depths *fixedDepths, ttl time.Duration) *Aggregator {
	t.Helper()
	registry := serviceconfig.NewRegistry(&testhelper.StaticConfigSource{
		Descriptors: []serviceconfig.Descriptor{{
			ServiceName:     "domain_testing",
			Active:          true,
			RefreshInterval: 24 * time.Hour,
		}},
	}, zap.NewNop())
	require.NoError(t, registry.Reload(context.Background()))

	engine := eligibility.NewEngine(registry, store, zap.NewNop())
	return NewAggregator(engine, store, source, depths, ttl, zap.NewNop())
}

func candidates(n int) []entity.Candidate {
	out := make([]entity.Candidate, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, entity.Candidate{Ref: entity.Ref{Kind: entity.KindCompany, ID: int64(i)}})
	}
	return out
}

func TestSnapshotCounts(t *testing.T) {
	store := testhelper.NewMemoryAuditStore()
	completed := time.Now().UTC().Add(-time.Hour)
	// Companies 1 and 2 succeeded recently; 3 and 4 never attempted.
	for _, id := range []int64{1, 2} {
		store.Seed(audit.Entry{
			Entity:      entity.Ref{Kind: entity.KindCompany, ID: id},
			ServiceName: "domain_testing",
			Status:      audit.StatusSuccess,
			StartedAt:   completed.Add(-time.Minute),
			CompletedAt: &completed,
		})
	}
	source := &testhelper.StaticCandidateSource{Items: candidates(4)}
	depths := &fixedDepths{depth: 3}
	agg := newTestAggregator(t, store, source, depths, time.Second)

	snap, err := agg.Get(context.Background(), "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	assert.Equal(t, "domain_testing", snap.ServiceName)
	assert.Equal(t, 2, snap.NeedingCount)
	assert.EqualValues(t, 3, snap.QueueDepth)
	assert.EqualValues(t, 2, snap.CompletedCount)
	assert.Equal(t, 50.0, snap.CompletionPercentage)
}

func TestSnapshotCaching(t *testing.T) {
	store := testhelper.NewMemoryAuditStore()
	source := &testhelper.StaticCandidateSource{Items: candidates(2)}
	depths := &fixedDepths{}
	agg := newTestAggregator(t, store, source, depths, time.Minute)
	ctx := context.Background()

	_, err := agg.Get(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	_, err = agg.Get(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	assert.Equal(t, 1, source.Calls, "second read must come from cache")

	agg.InvalidateStats("domain_testing")
	_, err = agg.Get(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls, "invalidation must force recompute")
}

func TestSnapshotCacheExpiry(t *testing.T) {
	store := testhelper.NewMemoryAuditStore()
	source := &testhelper.StaticCandidateSource{Items: candidates(2)}
	agg := newTestAggregator(t, store, source, &fixedDepths{}, 10*time.Millisecond)
	ctx := context.Background()

	_, err := agg.Get(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = agg.Get(ctx, "domain_testing", entity.KindCompany)
	require.NoError(t, err)
	assert.Equal(t, 2, source.Calls)
}

func TestCompletionPercentage(t *testing.T) {
	cases := []struct {
		name       string
		completed  int64
		population int64
		want       float64
	}{
		{"empty population", 0, 0, 0},
		{"zero completed", 0, 100, 0},
		{"half", 50, 100, 50},
		{"all", 1000, 1000, 100},
		{"over-complete clamps", 120, 100, 100},
		{"below one percent keeps a decimal", 1, 1000, 0.1},
		{"sub-decimal rounds", 4, 10000, 0},
		{"above one percent rounds whole", 157, 1000, 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, completionPercentage(tc.completed, tc.population))
		})
	}
}
