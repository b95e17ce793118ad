package cascade

import (
	"math/rand"
	"sort"
	"time"
)

// CircuitState is the circuit-breaker state for one model.
type CircuitState string

const (
	// CircuitClosed allows normal operation.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects requests until the recovery timeout elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows limited probe requests during recovery.
	CircuitHalfOpen CircuitState = "half_open"
)

// LatencyPercentiles holds percentile statistics computed from the
// latency reservoir.
type LatencyPercentiles struct {
	P50 float64 `json:"p50"`
	P75 float64 `json:"p75"`
	P90 float64 `json:"p90"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

const (
	emaAlpha                = 0.2
	maxLatencySamples       = 1000
	recentWindowSize        = 50
	failureThreshold        = 5
	recoveryTimeout         = 60 * time.Second
	halfOpenSuccessRequired = 2
)

// recentResult is one entry in the sliding recent-results window.
type recentResult struct {
	At      time.Time
	Success bool
}

// ModelStats tracks per-model health: call counters, EMA latency, a
// bounded sorted latency reservoir for percentiles, a sliding
// recent-results window, circuit-breaker state, and cooldown deadlines.
//
// All time-based decisions (cooldown expiry, circuit recovery) use the
// monotonic reading carried by time.Time values obtained at runtime; the
// wall-clock fields exist for logging and persistence only. Deserialized
// stats recompute deadlines from the remaining wall-clock seconds.
//
// ModelStats is not self-locking: the SmartRouter serializes access.
type ModelStats struct {
	ModelID string

	SuccessCount   int
	FailureCount   int
	RateLimitCount int
	TimeoutCount   int

	emaLatencyMS float64

	latencySamples []float64 // kept sorted

	recentResults []recentResult

	Circuit CircuitState
	// FailureThreshold, RecoveryTimeout, and HalfOpenRequired default to
	// the package constants; exposed so tests can tighten the windows.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequired int

	consecutiveFailures int
	halfOpenSuccesses   int
	// lastFailureAt carries a monotonic reading when recorded at runtime.
	lastFailureAt time.Time

	// Wall-clock timestamps, for logging and persistence only.
	LastSuccess time.Time
	LastFailure time.Time
	FirstSeen   time.Time

	// cooldownUntil carries a monotonic reading; CooldownUntilWall is the
	// persisted wall-clock mirror.
	cooldownUntil     time.Time
	CooldownUntilWall time.Time
}

// NewModelStats creates stats for a model with a closed circuit.
func NewModelStats(modelID string) *ModelStats {
	return &ModelStats{
		ModelID:          modelID,
		Circuit:          CircuitClosed,
		FailureThreshold: failureThreshold,
		RecoveryTimeout:  recoveryTimeout,
		HalfOpenRequired: halfOpenSuccessRequired,
		FirstSeen:        time.Now().UTC(),
	}
}

// TotalCalls returns the total number of recorded calls.
func (s *ModelStats) TotalCalls() int { return s.SuccessCount + s.FailureCount }

// SuccessRate returns the overall success rate in [0,1]. A model with no
// calls is assumed good until proven otherwise.
func (s *ModelStats) SuccessRate() float64 {
	if s.TotalCalls() == 0 {
		return 1.0
	}
	return float64(s.SuccessCount) / float64(s.TotalCalls())
}

// RecentSuccessRate returns the success rate over the sliding window.
func (s *ModelStats) RecentSuccessRate() float64 {
	if len(s.recentResults) == 0 {
		return 1.0
	}
	var ok int
	for _, r := range s.recentResults {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(s.recentResults))
}

// AvgLatencyMS returns the exponential moving average latency.
func (s *ModelStats) AvgLatencyMS() float64 { return s.emaLatencyMS }

// Percentiles computes latency percentiles from the reservoir.
func (s *ModelStats) Percentiles() LatencyPercentiles {
	n := len(s.latencySamples)
	if n == 0 {
		return LatencyPercentiles{}
	}
	at := func(p float64) float64 {
		idx := int(p * float64(n))
		if idx >= n {
			idx = n - 1
		}
		return s.latencySamples[idx]
	}
	return LatencyPercentiles{
		P50: at(0.50), P75: at(0.75), P90: at(0.90), P95: at(0.95), P99: at(0.99),
	}
}

// IsHealthy reports whether the model is considered usable: circuit not
// open, not cooling down, and recent success rate at least 50% once the
// window has enough data.
func (s *ModelStats) IsHealthy() bool {
	if s.Circuit == CircuitOpen {
		return false
	}
	if s.InCooldown() {
		return false
	}
	if len(s.recentResults) >= 5 && s.RecentSuccessRate() < 0.5 {
		return false
	}
	return true
}

// InCooldown reports whether the cooldown deadline has not yet passed.
func (s *ModelStats) InCooldown() bool {
	if s.cooldownUntil.IsZero() {
		return false
	}
	return time.Now().Before(s.cooldownUntil)
}

// CooldownRemaining returns time left in cooldown, or 0.
func (s *ModelStats) CooldownRemaining() time.Duration {
	if s.cooldownUntil.IsZero() {
		return 0
	}
	if d := time.Until(s.cooldownUntil); d > 0 {
		return d
	}
	return 0
}

// RecordSuccess records a successful call with its latency.
func (s *ModelStats) RecordSuccess(latencyMS float64) {
	now := time.Now()
	s.SuccessCount++
	s.LastSuccess = now.UTC()

	if s.emaLatencyMS == 0 {
		s.emaLatencyMS = latencyMS
	} else {
		s.emaLatencyMS = emaAlpha*latencyMS + (1-emaAlpha)*s.emaLatencyMS
	}

	// Sorted reservoir: insert in order while below capacity, then replace
	// a random sample to keep the reservoir representative.
	if len(s.latencySamples) < maxLatencySamples {
		idx := sort.SearchFloat64s(s.latencySamples, latencyMS)
		s.latencySamples = append(s.latencySamples, 0)
		copy(s.latencySamples[idx+1:], s.latencySamples[idx:])
		s.latencySamples[idx] = latencyMS
	} else {
		s.latencySamples[rand.Intn(len(s.latencySamples))] = latencyMS
		sort.Float64s(s.latencySamples)
	}

	s.pushRecent(recentResult{At: now.UTC(), Success: true})

	s.consecutiveFailures = 0
	if s.Circuit == CircuitHalfOpen {
		s.halfOpenSuccesses++
		if s.halfOpenSuccesses >= s.HalfOpenRequired {
			s.Circuit = CircuitClosed
			s.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure records a failed call and advances the circuit breaker.
func (s *ModelStats) RecordFailure(errorKind string) {
	now := time.Now()
	s.FailureCount++
	s.LastFailure = now.UTC()
	s.lastFailureAt = now

	s.pushRecent(recentResult{At: now.UTC(), Success: false})

	s.consecutiveFailures++
	if s.Circuit == CircuitHalfOpen {
		// Failed during the recovery probe: reopen.
		s.Circuit = CircuitOpen
		s.halfOpenSuccesses = 0
	} else if s.consecutiveFailures >= s.FailureThreshold {
		s.Circuit = CircuitOpen
	}
}

// RecordRateLimit records a rate-limit hit. The cooldown comes from the
// provider's Retry-After when available, else the 120s default.
func (s *ModelStats) RecordRateLimit(retryAfter time.Duration) {
	s.RateLimitCount++
	s.RecordFailure("rate_limit")
	if retryAfter <= 0 {
		retryAfter = 120 * time.Second
	}
	s.SetCooldown(retryAfter)
}

// RecordTimeout records a timeout.
func (s *ModelStats) RecordTimeout() {
	s.TimeoutCount++
	s.RecordFailure("timeout")
}

// ConsecutiveFailures returns the current failure streak.
func (s *ModelStats) ConsecutiveFailures() int { return s.consecutiveFailures }

// SetCooldown sets the cooldown deadline. The runtime deadline carries a
// monotonic reading; the wall-clock mirror is for persistence.
func (s *ModelStats) SetCooldown(d time.Duration) {
	s.cooldownUntil = time.Now().Add(d)
	s.CooldownUntilWall = time.Now().UTC().Add(d)
}

// ClearCooldown removes any active cooldown.
func (s *ModelStats) ClearCooldown() {
	s.cooldownUntil = time.Time{}
	s.CooldownUntilWall = time.Time{}
}

// CheckCircuit reports whether the circuit allows a request right now.
// An open circuit transitions to half-open once the recovery timeout has
// elapsed since the last failure; half-open always allows probes.
func (s *ModelStats) CheckCircuit() bool {
	switch s.Circuit {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if !s.lastFailureAt.IsZero() && time.Since(s.lastFailureAt) >= s.RecoveryTimeout {
			s.Circuit = CircuitHalfOpen
			return true
		}
		// Stats loaded from persistence have no runtime failure reading;
		// fall back to the wall clock.
		if s.lastFailureAt.IsZero() && !s.LastFailure.IsZero() &&
			time.Now().UTC().Sub(s.LastFailure) >= s.RecoveryTimeout {
			s.Circuit = CircuitHalfOpen
			return true
		}
		return false
	default: // half-open
		return true
	}
}

func (s *ModelStats) pushRecent(r recentResult) {
	s.recentResults = append(s.recentResults, r)
	if len(s.recentResults) > recentWindowSize {
		s.recentResults = s.recentResults[1:]
	}
}

// --- Serialization ---

// modelStatsRecord is the persisted form. Monotonic deadlines are never
// persisted; only the wall-clock cooldown survives, and LoadModelStats
// recomputes the runtime deadline from the remaining seconds.
type modelStatsRecord struct {
	ModelID           string       `json:"model_id"`
	SuccessCount      int          `json:"success_count"`
	FailureCount      int          `json:"failure_count"`
	RateLimitCount    int          `json:"rate_limit_count"`
	TimeoutCount      int          `json:"timeout_count"`
	EMALatencyMS      float64      `json:"ema_latency_ms"`
	CircuitState      CircuitState `json:"circuit_state"`
	LastSuccess       *time.Time   `json:"last_success,omitempty"`
	LastFailure       *time.Time   `json:"last_failure,omitempty"`
	FirstSeen         time.Time    `json:"first_seen"`
	CooldownUntilWall *time.Time   `json:"cooldown_until,omitempty"`
	SuccessRate       float64      `json:"success_rate"`
	RecentSuccessRate float64      `json:"recent_success_rate"`
	Percentiles       LatencyPercentiles `json:"percentiles"`
}

// toRecord converts stats to the persisted form.
func (s *ModelStats) toRecord() modelStatsRecord {
	rec := modelStatsRecord{
		ModelID:           s.ModelID,
		SuccessCount:      s.SuccessCount,
		FailureCount:      s.FailureCount,
		RateLimitCount:    s.RateLimitCount,
		TimeoutCount:      s.TimeoutCount,
		EMALatencyMS:      s.emaLatencyMS,
		CircuitState:      s.Circuit,
		FirstSeen:         s.FirstSeen,
		SuccessRate:       s.SuccessRate(),
		RecentSuccessRate: s.RecentSuccessRate(),
		Percentiles:       s.Percentiles(),
	}
	if !s.LastSuccess.IsZero() {
		t := s.LastSuccess
		rec.LastSuccess = &t
	}
	if !s.LastFailure.IsZero() {
		t := s.LastFailure
		rec.LastFailure = &t
	}
	if !s.CooldownUntilWall.IsZero() {
		t := s.CooldownUntilWall
		rec.CooldownUntilWall = &t
	}
	return rec
}

// fromRecord restores stats from the persisted form, recomputing the
// monotonic cooldown deadline from the wall-clock remainder.
func fromRecord(rec modelStatsRecord) *ModelStats {
	s := NewModelStats(rec.ModelID)
	s.SuccessCount = rec.SuccessCount
	s.FailureCount = rec.FailureCount
	s.RateLimitCount = rec.RateLimitCount
	s.TimeoutCount = rec.TimeoutCount
	s.emaLatencyMS = rec.EMALatencyMS
	if rec.CircuitState != "" {
		s.Circuit = rec.CircuitState
	}
	if !rec.FirstSeen.IsZero() {
		s.FirstSeen = rec.FirstSeen
	}
	if rec.LastSuccess != nil {
		s.LastSuccess = *rec.LastSuccess
	}
	if rec.LastFailure != nil {
		s.LastFailure = *rec.LastFailure
		// lastFailureAt stays zero: CheckCircuit falls back to wall clock.
	}
	if rec.CooldownUntilWall != nil {
		s.CooldownUntilWall = *rec.CooldownUntilWall
		if remaining := time.Until(*rec.CooldownUntilWall); remaining > 0 {
			s.cooldownUntil = time.Now().Add(remaining)
		}
	}
	return s
}
