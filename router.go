package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// CooldownConfig tunes the adaptive cooldowns the router applies after
// failures. Cooldowns scale with the consecutive-failure streak:
// base * multiplier^min(failures, 5), capped at Max.
type CooldownConfig struct {
	BaseFailure   time.Duration
	BaseRateLimit time.Duration
	BaseTimeout   time.Duration
	Multiplier    float64
	Max           time.Duration
}

// DefaultCooldownConfig returns the engine defaults: 30s/120s/60s bases,
// 1.5x scaling, 10 minute cap.
func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		BaseFailure:   30 * time.Second,
		BaseRateLimit: 120 * time.Second,
		BaseTimeout:   60 * time.Second,
		Multiplier:    1.5,
		Max:           600 * time.Second,
	}
}

// SmartRouter selects models for capability tiers and learns from call
// outcomes. Each tier has an ordered fallback chain; selection filters out
// unavailable, circuit-open, cooling-down, and over-budget models, then
// scores the survivors by recent health. All stats mutation goes through
// the router's record methods, which are point-atomic per call.
type SmartRouter struct {
	mu sync.Mutex

	chains      map[int][]string // tier -> ordered model ids
	stats       map[string]*ModelStats
	unavailable map[string]bool

	cooldown  CooldownConfig
	rateLimit *RateLimitTracker

	// ModelCosts maps model id to cost per 1K tokens for cost-aware
	// selection. Zero or absent = free.
	modelCosts map[string]float64

	// statsFile enables persistence; writes are atomic (temp + rename).
	statsFile string
	autoSave  bool

	logger *slog.Logger
}

// RouterOption configures a SmartRouter.
type RouterOption func(*SmartRouter)

// WithChain sets the fallback chain for a tier.
func WithChain(tier int, models ...string) RouterOption {
	return func(r *SmartRouter) { r.chains[tier] = models }
}

// WithCooldownConfig replaces the adaptive cooldown configuration.
func WithCooldownConfig(c CooldownConfig) RouterOption {
	return func(r *SmartRouter) { r.cooldown = c }
}

// WithStatsFile enables stats persistence at path. Existing stats are
// loaded immediately; every recorded outcome triggers an atomic save.
func WithStatsFile(path string) RouterOption {
	return func(r *SmartRouter) {
		r.statsFile = path
		r.autoSave = true
	}
}

// WithModelCost declares the cost per 1K tokens for a model.
func WithModelCost(model string, costPer1K float64) RouterOption {
	return func(r *SmartRouter) { r.modelCosts[model] = costPer1K }
}

// WithRateLimitTracker substitutes the rate-limit tracker.
func WithRateLimitTracker(t *RateLimitTracker) RouterOption {
	return func(r *SmartRouter) { r.rateLimit = t }
}

// WithRouterLogger sets a structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *SmartRouter) { r.logger = l }
}

// NewSmartRouter creates a router.
func NewSmartRouter(opts ...RouterOption) *SmartRouter {
	r := &SmartRouter{
		chains:      make(map[int][]string),
		stats:       make(map[string]*ModelStats),
		unavailable: make(map[string]bool),
		cooldown:    DefaultCooldownConfig(),
		rateLimit:   NewRateLimitTracker(),
		modelCosts:  make(map[string]float64),
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.statsFile != "" {
		if err := r.loadStats(); err != nil {
			r.logger.Warn("stats load failed, starting fresh", "path", r.statsFile, "error", err)
		}
	}
	return r
}

// RateLimits returns the router's rate-limit tracker.
func (r *SmartRouter) RateLimits() *RateLimitTracker { return r.rateLimit }

// Chain returns the fallback chain for a tier. When the tier has no chain,
// the next lower configured tier's chain is used, so sparse configurations
// still route every tier.
func (r *SmartRouter) Chain(tier int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := tier; t >= 0; t-- {
		if chain, ok := r.chains[t]; ok && len(chain) > 0 {
			return chain
		}
	}
	return nil
}

// statsFor returns (creating if needed) the stats for a model. Caller
// holds r.mu.
func (r *SmartRouter) statsFor(model string) *ModelStats {
	s, ok := r.stats[model]
	if !ok {
		s = NewModelStats(model)
		r.stats[model] = s
	}
	return s
}

// Stats returns a copy-free handle to a model's stats for inspection.
func (r *SmartRouter) Stats(model string) *ModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsFor(model)
}

// MarkUnavailable removes a model from selection for the process lifetime.
func (r *SmartRouter) MarkUnavailable(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unavailable[model] = true
}

// MarkAvailable restores a model to selection.
func (r *SmartRouter) MarkAvailable(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unavailable, model)
}

// IsModelAvailable reports whether the model is selectable.
func (r *SmartRouter) IsModelAvailable(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unavailable[model]
}

// SelectOptions tune GetModelForTier.
type SelectOptions struct {
	// PreferHealthy scores candidates by recent health instead of taking
	// the first survivor in chain order.
	PreferHealthy bool
	// MaxCost filters out models costing more per 1K tokens (0 = no limit).
	MaxCost float64
}

// GetModelForTier returns the best available model for a tier, or "" when
// no candidate survives filtering.
//
// Filtering drops models that are marked unavailable, circuit-open with
// the recovery window not yet elapsed, in cooldown, or over MaxCost. With
// PreferHealthy, survivors are scored
// 0.6*recent_success + 0.2*latency + 0.2*recency and the best wins; ties
// keep chain order. A model with no recorded success has zero recency.
func (r *SmartRouter) GetModelForTier(tier int, opts SelectOptions) string {
	chain := r.Chain(tier)

	r.mu.Lock()
	defer r.mu.Unlock()

	type candidate struct {
		model string
		stats *ModelStats
		pos   int
	}
	var candidates []candidate
	for pos, model := range chain {
		if r.unavailable[model] {
			continue
		}
		stats := r.statsFor(model)
		if !stats.CheckCircuit() {
			continue
		}
		if stats.InCooldown() {
			continue
		}
		if opts.MaxCost > 0 && r.modelCosts[model] > opts.MaxCost {
			continue
		}
		candidates = append(candidates, candidate{model: model, stats: stats, pos: pos})
	}

	if len(candidates) == 0 {
		return ""
	}
	if !opts.PreferHealthy || len(candidates) == 1 {
		return candidates[0].model
	}

	score := func(s *ModelStats) float64 {
		successScore := s.RecentSuccessRate() * 0.6

		latencyScore := 0.2
		if latency := s.AvgLatencyMS(); latency > 0 {
			latencyScore = math.Max(0, 1-latency/10000) * 0.2
		}

		recencyScore := 0.0
		if !s.LastSuccess.IsZero() {
			age := time.Now().UTC().Sub(s.LastSuccess).Seconds()
			recencyScore = math.Max(0, 1-age/3600) * 0.2
		}
		return successScore + latencyScore + recencyScore
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return score(candidates[i].stats) > score(candidates[j].stats)
	})
	return candidates[0].model
}

// RecordSuccess records a successful call with its latency and restores
// the model's availability.
func (r *SmartRouter) RecordSuccess(model string, latencyMS float64) {
	r.mu.Lock()
	r.statsFor(model).RecordSuccess(latencyMS)
	delete(r.unavailable, model)
	r.mu.Unlock()
	r.saveIfEnabled()
}

// RecordFailure records a failed call and applies the adaptive cooldown.
// Permanent failures mark the model unavailable for the process lifetime.
func (r *SmartRouter) RecordFailure(model, errorKind string, isPermanent bool) {
	r.mu.Lock()
	stats := r.statsFor(model)
	stats.RecordFailure(errorKind)
	stats.SetCooldown(r.adaptiveCooldown(stats, errorKind))
	if isPermanent {
		r.unavailable[model] = true
	}
	r.mu.Unlock()
	r.saveIfEnabled()
}

// RecordRateLimit records a rate-limit hit. The cooldown uses retryAfter
// when positive, else the provider default.
func (r *SmartRouter) RecordRateLimit(model string, retryAfter time.Duration) {
	r.mu.Lock()
	stats := r.statsFor(model)
	if retryAfter <= 0 {
		retryAfter = r.cooldown.BaseRateLimit
	}
	stats.RecordRateLimit(retryAfter)
	r.mu.Unlock()
	r.saveIfEnabled()
}

// RecordTimeout records a provider timeout and applies the timeout-based
// adaptive cooldown.
func (r *SmartRouter) RecordTimeout(model string) {
	r.mu.Lock()
	stats := r.statsFor(model)
	stats.RecordTimeout()
	stats.SetCooldown(r.adaptiveCooldown(stats, "timeout"))
	r.mu.Unlock()
	r.saveIfEnabled()
}

// adaptiveCooldown computes base(kind) * multiplier^min(streak, 5),
// capped. Caller holds r.mu.
func (r *SmartRouter) adaptiveCooldown(stats *ModelStats, errorKind string) time.Duration {
	var base time.Duration
	switch errorKind {
	case "rate_limit":
		base = r.cooldown.BaseRateLimit
	case "timeout":
		base = r.cooldown.BaseTimeout
	default:
		base = r.cooldown.BaseFailure
	}

	streak := stats.ConsecutiveFailures()
	if streak > 5 {
		streak = 5
	}
	cooldown := time.Duration(float64(base) * math.Pow(r.cooldown.Multiplier, float64(streak)))
	if cooldown > r.cooldown.Max {
		cooldown = r.cooldown.Max
	}
	return cooldown
}

// CallerFunc performs one model invocation for CallWithFallback.
type CallerFunc func(ctx context.Context, model string) (any, error)

// CallWithFallback walks the tier's chain, selecting a model, attempting
// the call, classifying and recording any error, and moving on — up to
// maxRetries candidates. Returns the model used and its response.
func (r *SmartRouter) CallWithFallback(ctx context.Context, tier int, maxRetries int, caller CallerFunc) (string, any, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var tried []string
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		model := r.GetModelForTier(tier, SelectOptions{PreferHealthy: true})
		if model == "" || containsString(tried, model) {
			break
		}
		tried = append(tried, model)

		start := time.Now()
		response, err := caller(ctx, model)
		if err == nil {
			latency := float64(time.Since(start)) / float64(time.Millisecond)
			r.RecordSuccess(model, latency)
			return model, response, nil
		}

		lastErr = err
		switch ClassifyError(err) {
		case ErrKindRateLimit:
			r.RecordRateLimit(model, retryAfterOf(err))
		case ErrKindProviderTimeout:
			r.RecordTimeout(model)
		case ErrKindPermanent:
			r.RecordFailure(model, "permanent", true)
		default:
			r.RecordFailure(model, string(ClassifyError(err)), false)
		}
		r.logger.Warn("model call failed, trying next", "model", model, "error", err)
	}

	return "", nil, fmt.Errorf("all models failed, tried %v: %w", tried, lastErr)
}

// --- Persistence ---

// statsFileData is the persisted stats-file shape.
type statsFileData struct {
	Version string                      `json:"version"`
	SavedAt time.Time                   `json:"saved_at"`
	Stats   map[string]modelStatsRecord `json:"stats"`
}

// SaveStats writes all model stats to the configured stats file atomically.
func (r *SmartRouter) SaveStats() error {
	if r.statsFile == "" {
		return nil
	}
	r.mu.Lock()
	data := statsFileData{
		Version: "1.0",
		SavedAt: time.Now().UTC(),
		Stats:   make(map[string]modelStatsRecord, len(r.stats)),
	}
	for model, stats := range r.stats {
		data.Stats[model] = stats.toRecord()
	}
	r.mu.Unlock()

	blob, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return atomicWriteFile(r.statsFile, blob)
}

func (r *SmartRouter) loadStats() error {
	blob, err := os.ReadFile(r.statsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var data statsFileData
	if err := json.Unmarshal(blob, &data); err != nil {
		return fmt.Errorf("decode stats: %w", err)
	}
	r.mu.Lock()
	for model, rec := range data.Stats {
		r.stats[model] = fromRecord(rec)
	}
	r.mu.Unlock()
	return nil
}

func (r *SmartRouter) saveIfEnabled() {
	if !r.autoSave || r.statsFile == "" {
		return
	}
	if err := r.SaveStats(); err != nil {
		r.logger.Warn("stats save failed", "path", r.statsFile, "error", err)
	}
}

// StatsSummary reports aggregate router health for diagnostics.
func (r *SmartRouter) StatsSummary() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	healthy := 0
	models := make(map[string]any, len(r.stats))
	for model, stats := range r.stats {
		if stats.IsHealthy() {
			healthy++
		}
		models[model] = stats.toRecord()
	}
	return map[string]any{
		"total_models":   len(r.stats),
		"healthy_models": healthy,
		"models":         models,
	}
}
