package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository for ephemeral deployments and
// tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []CostRecord
	budgets map[string]Budget
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{budgets: make(map[string]Budget)}
}

func (r *MemoryRepository) CreateCostRecord(_ context.Context, rec *CostRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, *rec)
	return nil
}

func (r *MemoryRepository) GetCostRecords(_ context.Context, f RecordFilter) ([]CostRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []CostRecord
	for _, rec := range r.records {
		if !matches(rec, f) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func matches(rec CostRecord, f RecordFilter) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.ProjectID != "" && rec.ProjectID != f.ProjectID {
		return false
	}
	if f.Provider != "" && !strings.EqualFold(rec.Provider, f.Provider) {
		return false
	}
	if f.ModelID != "" && !strings.EqualFold(rec.ModelID, f.ModelID) {
		return false
	}
	if f.Operation != "" && rec.Operation != f.Operation {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

func (r *MemoryRepository) GetCostSummary(_ context.Context, userID string, since, until time.Time, groupBy string) ([]SummaryRow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	buckets := make(map[string]*SummaryRow)
	for _, rec := range r.records {
		if !matches(rec, RecordFilter{UserID: userID, Since: since, Until: until}) {
			continue
		}
		key, err := summaryKey(rec, groupBy)
		if err != nil {
			return nil, err
		}
		row, ok := buckets[key]
		if !ok {
			row = &SummaryRow{Key: key}
			buckets[key] = row
		}
		row.Requests++
		row.InputTokens += rec.InputTokens
		row.OutputTokens += rec.OutputTokens
		row.Cost += rec.Cost
	}

	out := make([]SummaryRow, 0, len(buckets))
	for _, row := range buckets {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func summaryKey(rec CostRecord, groupBy string) (string, error) {
	switch groupBy {
	case GroupByProvider:
		return rec.Provider, nil
	case GroupByModel:
		return rec.ModelID, nil
	case GroupByOperation:
		return rec.Operation, nil
	case GroupByProject:
		return rec.ProjectID, nil
	case GroupByDay:
		return rec.Timestamp.UTC().Format("2006-01-02"), nil
	case GroupByMonth:
		return rec.Timestamp.UTC().Format("2006-01"), nil
	default:
		return "", fmt.Errorf("unknown group key %q", groupBy)
	}
}

func (r *MemoryRepository) SpendSince(_ context.Context, userID, projectID string, since time.Time) (USD, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total USD
	for _, rec := range r.records {
		if matches(rec, RecordFilter{UserID: userID, ProjectID: projectID, Since: since}) {
			total += rec.Cost
		}
	}
	return total, nil
}

func (r *MemoryRepository) CreateBudget(_ context.Context, b *Budget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.budgets[b.ID]; exists {
		return fmt.Errorf("budget %q already exists", b.ID)
	}
	r.budgets[b.ID] = *b
	return nil
}

func (r *MemoryRepository) UpdateBudget(_ context.Context, b *Budget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.budgets[b.ID]; !exists {
		return fmt.Errorf("budget %q not found", b.ID)
	}
	r.budgets[b.ID] = *b
	return nil
}

func (r *MemoryRepository) DeleteBudget(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.budgets, id)
	return nil
}

func (r *MemoryRepository) GetBudgetsForUserAndProject(_ context.Context, userID, projectID string) ([]Budget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Budget
	for _, b := range r.budgets {
		if b.AppliesTo(userID, projectID) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
