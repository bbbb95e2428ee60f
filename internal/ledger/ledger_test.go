package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uridolan77/llmgateway/pkg/types"
)

type staticPricing struct {
	input, output, fineTune float64
}

func (p staticPricing) PriceFor(_, _ string) (float64, float64, float64, bool) {
	return p.input, p.output, p.fineTune, true
}

func newTestLedger(t *testing.T) (*Ledger, *MemoryRepository) {
	t.Helper()
	repo := NewMemoryRepository()
	l := New(repo, staticPricing{input: 0.00003, output: 0.00006, fineTune: 0.000008}, nil)
	return l, repo
}

func TestTrackCompletionWritesRecord(t *testing.T) {
	l, repo := newTestLedger(t)

	rec, err := l.TrackCompletion(context.Background(), "openai", "gpt-4",
		&types.Usage{PromptTokens: 1000, CompletionTokens: 500},
		"alice", "req-1", "proj-1", []string{"batch"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, 1500, rec.TotalTokens)
	// 1000*0.00003 + 500*0.00006 = 0.06
	assert.Equal(t, 0.06, rec.Cost.Float64())

	got, err := repo.GetCostRecords(context.Background(), RecordFilter{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, OpCompletion, got[0].Operation)
	assert.Equal(t, []string{"batch"}, got[0].Tags)
}

func TestTrackFineTuneUsesTrainingRate(t *testing.T) {
	l, _ := newTestLedger(t)

	rec, err := l.TrackFineTune(context.Background(), "openai", "gpt-4", 100000, "alice", "req-2", "", nil)
	require.NoError(t, err)
	assert.Equal(t, OpFineTune, rec.Operation)
	assert.Equal(t, 0.8, rec.Cost.Float64())
}

func TestTrackNilUsage(t *testing.T) {
	l, _ := newTestLedger(t)

	rec, err := l.TrackCompletion(context.Background(), "openai", "gpt-4", nil, "alice", "req-3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, USD(0), rec.Cost)
}

func TestIsWithinBudgetEnforced(t *testing.T) {
	l, repo := newTestLedger(t)
	require.NoError(t, repo.CreateBudget(context.Background(), &Budget{
		ID:            "b1",
		UserID:        "alice",
		Amount:        FromFloat(0.10),
		ResetPeriod:   ResetMonthly,
		EnforceBudget: true,
	}))

	// Nothing spent yet.
	assert.True(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(0.05)))

	_, err := l.TrackCompletion(context.Background(), "openai", "gpt-4",
		&types.Usage{PromptTokens: 2000, CompletionTokens: 500}, // 0.09
		"alice", "req-1", "", nil)
	require.NoError(t, err)

	assert.True(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(0.01)))
	assert.False(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(0.02)))

	// Other users are unaffected.
	assert.True(t, l.IsWithinBudget(context.Background(), "carol", "", FromFloat(0.02)))
}

func TestSoftBudgetNeverBlocks(t *testing.T) {
	l, repo := newTestLedger(t)
	require.NoError(t, repo.CreateBudget(context.Background(), &Budget{
		ID:     "soft",
		UserID: "alice",
		Amount: FromFloat(0.01),
	}))

	assert.True(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(1.0)))
}

func TestBudgetWindowExcludesPriorSpend(t *testing.T) {
	l, repo := newTestLedger(t)
	require.NoError(t, repo.CreateBudget(context.Background(), &Budget{
		ID:            "daily",
		UserID:        "alice",
		Amount:        FromFloat(0.10),
		ResetPeriod:   ResetDaily,
		EnforceBudget: true,
	}))

	// Spend recorded yesterday falls outside today's window.
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, repo.CreateCostRecord(context.Background(), &CostRecord{
		ID: "old", UserID: "alice", Timestamp: yesterday, Cost: FromFloat(5.0),
	}))

	assert.True(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(0.05)))
}

func TestExpiredFixedTermBudgetIgnored(t *testing.T) {
	l, repo := newTestLedger(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, repo.CreateBudget(context.Background(), &Budget{
		ID:            "expired",
		UserID:        "alice",
		Amount:        FromFloat(0.01),
		EndDate:       &past,
		EnforceBudget: true,
	}))

	assert.True(t, l.IsWithinBudget(context.Background(), "alice", "", FromFloat(1.0)))
}

func TestWindowStartAlignment(t *testing.T) {
	at := time.Date(2024, 3, 13, 15, 4, 5, 0, time.UTC) // a Wednesday

	b := &Budget{ResetPeriod: ResetDaily}
	assert.Equal(t, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), b.WindowStart(at))

	b.ResetPeriod = ResetWeekly
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), b.WindowStart(at))

	b.ResetPeriod = ResetMonthly
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), b.WindowStart(at))

	b.ResetPeriod = ""
	assert.True(t, b.WindowStart(at).IsZero())
}

func TestSummaryGroupsByProvider(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := l.TrackCompletion(ctx, "openai", "gpt-4", &types.Usage{PromptTokens: 100, CompletionTokens: 50}, "alice", "r1", "", nil)
	require.NoError(t, err)
	_, err = l.TrackCompletion(ctx, "openai", "gpt-4", &types.Usage{PromptTokens: 100, CompletionTokens: 50}, "alice", "r2", "", nil)
	require.NoError(t, err)
	_, err = l.TrackEmbedding(ctx, "cohere", "embed-v3", &types.Usage{PromptTokens: 30}, "alice", "r3", "", nil)
	require.NoError(t, err)

	rows, err := l.Summary(ctx, "alice", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), GroupByProvider)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "cohere", rows[0].Key)
	assert.Equal(t, "openai", rows[1].Key)
	assert.Equal(t, 2, rows[1].Requests)
	assert.Equal(t, 200, rows[1].InputTokens)

	_, err = l.Summary(ctx, "alice", time.Time{}, time.Now(), "bogus")
	assert.Error(t, err)
}

func TestSummaryGroupsByDay(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, repo.CreateCostRecord(ctx, &CostRecord{
		ID: "a", UserID: "u", Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), Cost: FromFloat(0.01),
	}))
	require.NoError(t, repo.CreateCostRecord(ctx, &CostRecord{
		ID: "b", UserID: "u", Timestamp: time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC), Cost: FromFloat(0.02),
	}))

	rows, err := repo.GetCostSummary(ctx, "u", time.Time{}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), GroupByDay)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-03-01", rows[0].Key)
	assert.Equal(t, "2024-03-02", rows[1].Key)
}

func TestBudgetCRUD(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	b := &Budget{ID: "b1", UserID: "alice", Amount: FromFloat(1)}
	require.NoError(t, repo.CreateBudget(ctx, b))
	assert.Error(t, repo.CreateBudget(ctx, b))

	b.Amount = FromFloat(2)
	require.NoError(t, repo.UpdateBudget(ctx, b))

	got, err := repo.GetBudgetsForUserAndProject(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, FromFloat(2), got[0].Amount)

	require.NoError(t, repo.DeleteBudget(ctx, "b1"))
	got, err = repo.GetBudgetsForUserAndProject(ctx, "alice", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Error(t, repo.UpdateBudget(ctx, &Budget{ID: "missing"}))
}
