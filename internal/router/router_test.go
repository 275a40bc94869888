package router

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/health"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

type stubProvider struct {
	name string
	caps map[provider.Capability]bool
}

func (s *stubProvider) Name() string                             { return s.name }
func (s *stubProvider) Capabilities() map[provider.Capability]bool { return s.caps }
func (s *stubProvider) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, nil
}
func (s *stubProvider) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return nil, nil
}
func (s *stubProvider) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, nil
}
func (s *stubProvider) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return nil, nil
}
func (s *stubProvider) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, nil
}
func (s *stubProvider) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, nil
}
func (s *stubProvider) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) error { return nil }
func (s *stubProvider) CostPerInputToken() float64             { return 0 }
func (s *stubProvider) CostPerOutputToken() float64            { return 0 }

func chatCapable(name string) *stubProvider {
	return &stubProvider{name: name, caps: map[provider.Capability]bool{provider.CapChat: true}}
}

func TestCandidates_NoEligibleProviders(t *testing.T) {
	r, err := New(Config{Strategy: StrategySingle}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if gatewayerr.KindOf(err) != gatewayerr.KindNoProvidersAvailable {
		t.Fatalf("expected KindNoProvidersAvailable, got %v", err)
	}
}

func TestFailover_OrdersByConfiguredPriority(t *testing.T) {
	providers := []provider.Provider{chatCapable("c"), chatCapable("a"), chatCapable("b")}
	r, err := New(Config{Strategy: StrategyFailover, Order: []string{"b", "a", "c"}}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	want := []string{"b", "a", "c"}
	for i, name := range want {
		if candidates[i].Name() != name {
			t.Errorf("index %d: want %s, got %s", i, name, candidates[i].Name())
		}
	}
}

func TestRoundRobin_Rotates(t *testing.T) {
	providers := []provider.Provider{chatCapable("a"), chatCapable("b"), chatCapable("c")}
	r, err := New(Config{Strategy: StrategyRoundRobin}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, _ := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	second, _ := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if first[0].Name() == second[0].Name() {
		t.Errorf("expected round robin to rotate the head provider, got %s both times", first[0].Name())
	}
}

func TestConditional_FirstMatchWins(t *testing.T) {
	providers := []provider.Provider{chatCapable("openai"), chatCapable("anthropic")}
	rules := []Rule{
		{Predicate: Predicate{ModelPrefix: "claude-"}, Provider: "anthropic"},
		{Predicate: Predicate{ModelPrefix: "gpt-"}, Provider: "openai"},
	}
	r, err := New(Config{Strategy: StrategyConditional, Rules: rules, DefaultProvider: "openai"}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat, Model: "claude-3-opus"}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].Name() != "anthropic" {
		t.Errorf("expected anthropic to match claude- prefix, got %s", candidates[0].Name())
	}
}

func TestConditional_FallsBackToDefault(t *testing.T) {
	providers := []provider.Provider{chatCapable("openai"), chatCapable("anthropic")}
	rules := []Rule{
		{Predicate: Predicate{ModelPrefix: "claude-"}, Provider: "anthropic"},
	}
	r, err := New(Config{Strategy: StrategyConditional, Rules: rules, DefaultProvider: "openai"}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat, Model: "gpt-4o"}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].Name() != "openai" {
		t.Errorf("expected default provider openai, got %s", candidates[0].Name())
	}
}

func TestABTest_SplitsSumToHundred_Validates(t *testing.T) {
	_, err := New(Config{Strategy: StrategyABTest, Splits: map[string]int{"a": 60, "b": 30}}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected validation error for splits not summing to 100")
	}
}

func TestABTest_Deterministic(t *testing.T) {
	providers := []provider.Provider{chatCapable("a"), chatCapable("b")}
	r, err := New(Config{Strategy: StrategyABTest, Splits: map[string]int{"a": 50, "b": 50}}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &canon.Request{Kind: canon.KindChat, Model: "gpt-4o", Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}}}
	first, err := r.Candidates(req, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	second, err := r.Candidates(req, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if first[0].Name() != second[0].Name() {
		t.Errorf("expected identical requests to bucket to the same provider, got %s then %s", first[0].Name(), second[0].Name())
	}
}

func TestLeastUsed_PrefersFewerInFlight(t *testing.T) {
	providers := []provider.Provider{chatCapable("busy"), chatCapable("idle")}
	mon := health.New()
	done := mon.BeginCall("busy")
	defer done(true, 0)

	r, err := New(Config{Strategy: StrategyLeastUsed}, providers, nil, mon)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].Name() != "idle" {
		t.Errorf("expected idle provider first, got %s", candidates[0].Name())
	}
}

// TestLoadBalance_ConvergesToWeightShare runs many trials and asserts the
// lead candidate's observed frequency tracks its configured weight's share
// of the total, per spec.md §8's weighted-random convergence property.
// A deterministic descending-weight sort (the pre-fix behavior) would pick
// "heavy" as lead 100% of the time, which this test would catch.
func TestLoadBalance_ConvergesToWeightShare(t *testing.T) {
	providers := []provider.Provider{chatCapable("heavy"), chatCapable("light")}
	r, err := New(Config{Strategy: StrategyLoadBalance, Weights: map[string]float64{"heavy": 90, "light": 10}}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const trials = 4000
	leadCount := map[string]int{}
	for i := 0; i < trials; i++ {
		candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		leadCount[candidates[0].Name()]++
	}

	heavyShare := float64(leadCount["heavy"]) / trials
	if heavyShare < 0.80 || heavyShare > 0.98 {
		t.Errorf("expected heavy (weight 90/100) lead share near 0.90, got %.3f over %d trials (counts=%v)", heavyShare, trials, leadCount)
	}
	if leadCount["light"] == 0 {
		t.Error("expected light to occasionally be picked as lead; a deterministic weight sort would never pick it")
	}
}

// TestLoadBalance_UnweightedProvidersShareEvenly covers the no-Weights-
// configured default path: every provider should get roughly an equal
// share of the lead slot instead of an arbitrary fixed winner.
func TestLoadBalance_UnweightedProvidersShareEvenly(t *testing.T) {
	providers := []provider.Provider{chatCapable("a"), chatCapable("b")}
	r, err := New(Config{Strategy: StrategyLoadBalance}, providers, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const trials = 2000
	leadCount := map[string]int{}
	for i := 0; i < trials; i++ {
		candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		leadCount[candidates[0].Name()]++
	}

	aShare := float64(leadCount["a"]) / trials
	if aShare < 0.40 || aShare > 0.60 {
		t.Errorf("expected roughly even 0.50 split with no configured weights, got a=%.3f over %d trials (counts=%v)", aShare, trials, leadCount)
	}
}

// TestLowestLatency_OrdersByAscendingEMA covers the observed-providers
// ordering: lower latency EMA sorts first.
func TestLowestLatency_OrdersByAscendingEMA(t *testing.T) {
	providers := []provider.Provider{chatCapable("slow"), chatCapable("fast")}
	mon := health.New()
	mon.Observe("slow", true, 200*time.Millisecond)
	mon.Observe("fast", true, 10*time.Millisecond)

	r, err := New(Config{Strategy: StrategyLowestLatency}, providers, nil, mon)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].Name() != "fast" {
		t.Errorf("expected fast provider first, got %s", candidates[0].Name())
	}
}

// TestLowestLatency_UnobservedProvidersSortLast covers the tie-break edge
// case: a provider with no observed calls (TotalObserved == 0) has no
// meaningful latency EMA yet, so it must sort after any observed provider
// regardless of the observed provider's latency.
func TestLowestLatency_UnobservedProvidersSortLast(t *testing.T) {
	providers := []provider.Provider{chatCapable("unobserved"), chatCapable("observed")}
	mon := health.New()
	mon.Observe("observed", true, 500*time.Millisecond)

	r, err := New(Config{Strategy: StrategyLowestLatency}, providers, nil, mon)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	candidates, err := r.Candidates(&canon.Request{Kind: canon.KindChat}, provider.CapChat)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if candidates[0].Name() != "observed" {
		t.Errorf("expected observed provider first despite higher latency, got %s", candidates[0].Name())
	}
	if candidates[1].Name() != "unobserved" {
		t.Errorf("expected unobserved provider last, got %s", candidates[1].Name())
	}
}
