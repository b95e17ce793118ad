package cascade

import (
	"math"
	"testing"
	"time"
)

func TestModelStatsEMALatency(t *testing.T) {
	s := NewModelStats("m")
	s.RecordSuccess(100)
	if s.AvgLatencyMS() != 100 {
		t.Fatalf("first sample EMA = %v, want 100", s.AvgLatencyMS())
	}
	s.RecordSuccess(200)
	// 0.2*200 + 0.8*100 = 120
	if math.Abs(s.AvgLatencyMS()-120) > 1e-9 {
		t.Errorf("EMA = %v, want 120", s.AvgLatencyMS())
	}
}

func TestModelStatsSuccessRates(t *testing.T) {
	s := NewModelStats("m")
	if s.SuccessRate() != 1.0 {
		t.Errorf("empty success rate = %v, want 1.0", s.SuccessRate())
	}
	s.RecordSuccess(10)
	s.RecordSuccess(10)
	s.RecordFailure("transient")
	if got := s.SuccessRate(); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("success rate = %v, want 2/3", got)
	}
	if got := s.RecentSuccessRate(); math.Abs(got-2.0/3.0) > 1e-9 {
		t.Errorf("recent success rate = %v, want 2/3", got)
	}
}

func TestModelStatsPercentiles(t *testing.T) {
	s := NewModelStats("m")
	for i := 1; i <= 100; i++ {
		s.RecordSuccess(float64(i))
	}
	p := s.Percentiles()
	if p.P50 < 45 || p.P50 > 55 {
		t.Errorf("p50 = %v, want ~50", p.P50)
	}
	if p.P99 < 95 {
		t.Errorf("p99 = %v, want >= 95", p.P99)
	}
	if p.P50 > p.P75 || p.P75 > p.P90 || p.P90 > p.P95 || p.P95 > p.P99 {
		t.Errorf("percentiles not monotone: %+v", p)
	}
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	s := NewModelStats("m")
	for i := 0; i < 4; i++ {
		s.RecordFailure("transient")
	}
	if s.Circuit != CircuitClosed {
		t.Fatalf("circuit = %v after 4 failures, want closed", s.Circuit)
	}
	s.RecordFailure("transient")
	if s.Circuit != CircuitOpen {
		t.Fatalf("circuit = %v after 5 failures, want open", s.Circuit)
	}
	if s.CheckCircuit() {
		t.Error("open circuit must reject before recovery timeout")
	}
}

func TestCircuitRecovery(t *testing.T) {
	s := NewModelStats("m")
	s.RecoveryTimeout = 20 * time.Millisecond
	for i := 0; i < 5; i++ {
		s.RecordFailure("transient")
	}
	if s.CheckCircuit() {
		t.Fatal("circuit must stay open inside the recovery window")
	}

	time.Sleep(30 * time.Millisecond)
	if !s.CheckCircuit() {
		t.Fatal("circuit must allow a probe after recovery timeout")
	}
	if s.Circuit != CircuitHalfOpen {
		t.Fatalf("circuit = %v, want half_open", s.Circuit)
	}

	// Two successes close it.
	s.RecordSuccess(10)
	if s.Circuit != CircuitHalfOpen {
		t.Fatalf("circuit = %v after 1 probe success, want half_open", s.Circuit)
	}
	s.RecordSuccess(10)
	if s.Circuit != CircuitClosed {
		t.Fatalf("circuit = %v after 2 probe successes, want closed", s.Circuit)
	}
}

func TestCircuitReopensOnHalfOpenFailure(t *testing.T) {
	s := NewModelStats("m")
	s.RecoveryTimeout = time.Millisecond
	for i := 0; i < 5; i++ {
		s.RecordFailure("transient")
	}
	time.Sleep(5 * time.Millisecond)
	if !s.CheckCircuit() {
		t.Fatal("expected half-open probe")
	}
	s.RecordFailure("transient")
	if s.Circuit != CircuitOpen {
		t.Fatalf("circuit = %v after half-open failure, want open", s.Circuit)
	}
}

func TestCooldownDeadline(t *testing.T) {
	s := NewModelStats("m")
	if s.InCooldown() {
		t.Fatal("fresh stats must not be in cooldown")
	}
	s.SetCooldown(30 * time.Millisecond)
	if !s.InCooldown() {
		t.Fatal("expected cooldown active")
	}
	time.Sleep(40 * time.Millisecond)
	if s.InCooldown() {
		t.Fatal("cooldown must expire")
	}
}

func TestRateLimitCooldownUsesRetryAfter(t *testing.T) {
	s := NewModelStats("m")
	s.RecordRateLimit(5 * time.Second)
	remaining := s.CooldownRemaining()
	if remaining <= 4*time.Second || remaining > 5*time.Second {
		t.Errorf("cooldown remaining = %v, want ~5s", remaining)
	}
	if s.RateLimitCount != 1 {
		t.Errorf("rate_limit_count = %d", s.RateLimitCount)
	}
}

func TestModelStatsRoundTrip(t *testing.T) {
	s := NewModelStats("openai:gpt-4o")
	s.RecordSuccess(150)
	s.RecordSuccess(250)
	s.RecordFailure("transient")
	s.RecordTimeout()
	s.SetCooldown(10 * time.Second)

	restored := fromRecord(s.toRecord())

	if restored.ModelID != s.ModelID {
		t.Errorf("model_id = %q", restored.ModelID)
	}
	if restored.SuccessCount != s.SuccessCount || restored.FailureCount != s.FailureCount {
		t.Errorf("counters = %d/%d, want %d/%d",
			restored.SuccessCount, restored.FailureCount, s.SuccessCount, s.FailureCount)
	}
	if restored.TimeoutCount != 1 {
		t.Errorf("timeout_count = %d", restored.TimeoutCount)
	}
	if math.Abs(restored.AvgLatencyMS()-s.AvgLatencyMS()) > 1e-9 {
		t.Errorf("ema = %v, want %v", restored.AvgLatencyMS(), s.AvgLatencyMS())
	}
	if restored.Circuit != s.Circuit {
		t.Errorf("circuit = %v, want %v", restored.Circuit, s.Circuit)
	}

	// Monotonic deadline recomputed from wall-clock remainder within 1s.
	diff := restored.CooldownRemaining() - s.CooldownRemaining()
	if diff < -time.Second || diff > time.Second {
		t.Errorf("cooldown remainder drift = %v, want within 1s", diff)
	}
}

func TestModelStatsExpiredCooldownNotRestored(t *testing.T) {
	s := NewModelStats("m")
	s.CooldownUntilWall = time.Now().UTC().Add(-time.Minute)

	restored := fromRecord(s.toRecord())
	if restored.InCooldown() {
		t.Error("expired wall-clock cooldown must not restore as active")
	}
}
