// Package ledger tracks per-call spend and enforces budgets. Cost records are
// append-only; budget windows are calendar-aligned and derived from the clock,
// so a missed reset simply falls out of the window on the next read.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/uridolan77/llmgateway/internal/metrics"
	gwerr "github.com/uridolan77/llmgateway/pkg/errors"
	"github.com/uridolan77/llmgateway/pkg/types"
)

// Operation types recorded on cost records.
const (
	OpCompletion = "completion"
	OpEmbedding  = "embedding"
	OpFineTune   = "fine_tune"
	// OpCompletionPartial marks usage observed before a cancelled stream.
	OpCompletionPartial = "completion_partial"
)

// Budget reset periods.
const (
	ResetDaily   = "daily"
	ResetWeekly  = "weekly"
	ResetMonthly = "monthly"
)

// CostRecord is one append-only spend entry.
type CostRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	RequestID    string    `json:"request_id"`
	Timestamp    time.Time `json:"timestamp"`
	Provider     string    `json:"provider"`
	ModelID      string    `json:"model_id"`
	Operation    string    `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Cost         USD       `json:"cost_usd"`
	Tags         []string  `json:"tags,omitempty"`
}

// Budget is a spend cap over a reset window. An empty ResetPeriod with an
// EndDate makes a fixed-term budget; EnforceBudget=false alerts but never
// blocks.
type Budget struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	ProjectID         string     `json:"project_id,omitempty"`
	Amount            USD        `json:"amount_usd"`
	ResetPeriod       string     `json:"reset_period,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	AlertThresholdPct float64    `json:"alert_threshold_pct,omitempty"`
	EnforceBudget     bool       `json:"enforce_budget"`
}

// AppliesTo reports whether the budget covers a (user, project) pair. An empty
// budget field matches any value.
func (b *Budget) AppliesTo(userID, projectID string) bool {
	if b.UserID != "" && b.UserID != userID {
		return false
	}
	if b.ProjectID != "" && b.ProjectID != projectID {
		return false
	}
	return true
}

// WindowStart returns the start of the budget's current window at time now.
// Windows are calendar-aligned in UTC, so the result is deterministic from the
// clock alone and lazily applies any missed resets.
func (b *Budget) WindowStart(now time.Time) time.Time {
	now = now.UTC()
	switch b.ResetPeriod {
	case ResetDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case ResetWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday start
		return day.AddDate(0, 0, -offset)
	case ResetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{} // fixed-term budget: all spend counts
	}
}

// Expired reports whether a fixed-term budget's end date has passed.
func (b *Budget) Expired(now time.Time) bool {
	return b.EndDate != nil && now.After(*b.EndDate)
}

// RecordFilter narrows GetCostRecords.
type RecordFilter struct {
	UserID    string
	ProjectID string
	Provider  string
	ModelID   string
	Operation string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Summary group keys.
const (
	GroupByProvider  = "provider"
	GroupByModel     = "model"
	GroupByOperation = "operation"
	GroupByProject   = "project"
	GroupByDay       = "day"
	GroupByMonth     = "month"
)

// SummaryRow is one bucket of a cost summary.
type SummaryRow struct {
	Key          string `json:"key"`
	Requests     int    `json:"requests"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Cost         USD    `json:"cost_usd"`
}

// Repository is the persistence contract the ledger consumes. The ledger
// never opens a database itself.
type Repository interface {
	CreateCostRecord(ctx context.Context, rec *CostRecord) error
	GetCostRecords(ctx context.Context, filter RecordFilter) ([]CostRecord, error)
	GetCostSummary(ctx context.Context, userID string, since, until time.Time, groupBy string) ([]SummaryRow, error)
	SpendSince(ctx context.Context, userID, projectID string, since time.Time) (USD, error)

	CreateBudget(ctx context.Context, b *Budget) error
	UpdateBudget(ctx context.Context, b *Budget) error
	DeleteBudget(ctx context.Context, id string) error
	GetBudgetsForUserAndProject(ctx context.Context, userID, projectID string) ([]Budget, error)
}

// PricingSource resolves per-token prices for a (provider, model) call.
type PricingSource interface {
	PriceFor(provider, modelID string) (input, output, fineTune float64, ok bool)
}

// Ledger is the cost tracking and budget enforcement service.
type Ledger struct {
	repo    Repository
	pricing PricingSource
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a ledger over a repository and a pricing source.
func New(repo Repository, pricing PricingSource, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, pricing: pricing, logger: logger, now: time.Now}
}

// TrackCompletion records the spend for one completion call.
func (l *Ledger) TrackCompletion(ctx context.Context, provider, modelID string, usage *types.Usage, userID, requestID, projectID string, tags []string) (*CostRecord, error) {
	return l.Track(ctx, OpCompletion, provider, modelID, usage, userID, requestID, projectID, tags)
}

// TrackEmbedding records the spend for one embedding call. Embeddings bill
// input tokens only.
func (l *Ledger) TrackEmbedding(ctx context.Context, provider, modelID string, usage *types.Usage, userID, requestID, projectID string, tags []string) (*CostRecord, error) {
	return l.Track(ctx, OpEmbedding, provider, modelID, usage, userID, requestID, projectID, tags)
}

// TrackFineTune records fine-tuning spend over a training token amount.
func (l *Ledger) TrackFineTune(ctx context.Context, provider, modelID string, trainingTokens int, userID, requestID, projectID string, tags []string) (*CostRecord, error) {
	_, _, rate, _ := l.priceFor(provider, modelID)
	rec := &CostRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		ProjectID:   projectID,
		RequestID:   requestID,
		Timestamp:   l.now(),
		Provider:    provider,
		ModelID:     modelID,
		Operation:   OpFineTune,
		InputTokens: trainingTokens,
		TotalTokens: trainingTokens,
		Cost:        TokenCost(trainingTokens, rate),
		Tags:        tags,
	}
	return rec, l.write(ctx, rec)
}

// Track records spend for any usage-priced operation type, including partial
// usage from cancelled streams.
func (l *Ledger) Track(ctx context.Context, op, provider, modelID string, usage *types.Usage, userID, requestID, projectID string, tags []string) (*CostRecord, error) {
	if usage == nil {
		usage = &types.Usage{}
	}
	input, output, _, ok := l.priceFor(provider, modelID)
	if !ok {
		l.logger.Debug("no pricing configured", slog.String("provider", provider), slog.String("model", modelID))
	}
	rec := &CostRecord{
		ID:           uuid.NewString(),
		UserID:       userID,
		ProjectID:    projectID,
		RequestID:    requestID,
		Timestamp:    l.now(),
		Provider:     provider,
		ModelID:      modelID,
		Operation:    op,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
		TotalTokens:  usage.PromptTokens + usage.CompletionTokens,
		Cost:         TokenCost(usage.PromptTokens, input) + TokenCost(usage.CompletionTokens, output),
		Tags:         tags,
	}
	return rec, l.write(ctx, rec)
}

func (l *Ledger) write(ctx context.Context, rec *CostRecord) error {
	if err := l.repo.CreateCostRecord(ctx, rec); err != nil {
		return gwerr.Newf(gwerr.KindInternal, "write cost record: %v", err)
	}
	metrics.RecordSpend(rec.Provider, rec.ModelID, rec.Cost.Float64())
	metrics.RecordTokens(rec.Provider, rec.ModelID, rec.InputTokens, rec.OutputTokens)
	return nil
}

// EstimateCost prices a prospective call from token estimates.
func (l *Ledger) EstimateCost(provider, modelID string, promptTokens, completionTokens int) USD {
	input, output, _, _ := l.priceFor(provider, modelID)
	return TokenCost(promptTokens, input) + TokenCost(completionTokens, output)
}

// IsWithinBudget reports whether adding estimated spend keeps every applicable
// enforced budget within its cap. Soft budgets (EnforceBudget=false) only log
// an alert. A repository failure fails open with a warning.
func (l *Ledger) IsWithinBudget(ctx context.Context, userID, projectID string, estimated USD) bool {
	budgets, err := l.repo.GetBudgetsForUserAndProject(ctx, userID, projectID)
	if err != nil {
		l.logger.Warn("budget lookup failed, allowing request", slog.String("error", err.Error()))
		return true
	}
	now := l.now()

	for i := range budgets {
		b := &budgets[i]
		if !b.AppliesTo(userID, projectID) || b.Expired(now) {
			continue
		}
		spent, err := l.repo.SpendSince(ctx, b.UserID, b.ProjectID, b.WindowStart(now))
		if err != nil {
			l.logger.Warn("spend lookup failed, allowing request", slog.String("budget", b.ID), slog.String("error", err.Error()))
			continue
		}
		projected := spent + estimated

		if b.AlertThresholdPct > 0 && projected.Float64() >= b.Amount.Float64()*b.AlertThresholdPct/100 {
			l.logger.Warn("budget alert threshold crossed",
				slog.String("budget", b.ID),
				slog.String("user", userID),
				slog.Float64("spent_usd", spent.Rounded(6)),
				slog.Float64("limit_usd", b.Amount.Rounded(6)))
		}
		if projected > b.Amount {
			if !b.EnforceBudget {
				l.logger.Warn("soft budget exceeded",
					slog.String("budget", b.ID), slog.String("user", userID))
				continue
			}
			metrics.BudgetRejected.WithLabelValues(userID).Inc()
			return false
		}
	}
	return true
}

// Summary returns grouped spend for a user over a window.
func (l *Ledger) Summary(ctx context.Context, userID string, since, until time.Time, groupBy string) ([]SummaryRow, error) {
	switch groupBy {
	case GroupByProvider, GroupByModel, GroupByOperation, GroupByProject, GroupByDay, GroupByMonth:
	default:
		return nil, gwerr.Newf(gwerr.KindBadRequest, "unknown group key %q", groupBy)
	}
	return l.repo.GetCostSummary(ctx, userID, since, until, groupBy)
}

func (l *Ledger) priceFor(provider, modelID string) (input, output, fineTune float64, ok bool) {
	if l.pricing == nil {
		return 0, 0, 0, false
	}
	return l.pricing.PriceFor(provider, modelID)
}
