// Package router selects an ordered list of candidate providers for a
// canonical request. It never makes the call itself — that is
// internal/driver's job — it only decides who gets tried, and in what
// order, given the current breaker and health state.
package router

import (
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sony/gobreaker"

	"github.com/kestrelhq/llm-gateway/internal/breaker"
	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/health"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

// Strategy names a candidate-selection algorithm.
type Strategy string

const (
	StrategySingle      Strategy = "single"
	StrategyRoundRobin  Strategy = "round_robin"
	StrategyLoadBalance Strategy = "load_balance"
	StrategyLeastUsed   Strategy = "least_used"
	StrategyLowestLatency Strategy = "lowest_latency"
	StrategyFailover    Strategy = "failover"
	StrategyConditional Strategy = "conditional"
	StrategyABTest      Strategy = "ab_test"
)

// Predicate is a conjunction of match clauses evaluated against a request.
// Every non-zero field must match for the predicate to pass; the router
// never supports OR semantics — config that would require them is rejected
// at construction time.
type Predicate struct {
	ModelPrefix string
	MinTokens   int // 0 means unbounded
	MaxTokens   int // 0 means unbounded
	Hint        string // matches Hints.PreferredProvider when set
}

func (p Predicate) matches(req *canon.Request) bool {
	if p.ModelPrefix != "" && !strings.HasPrefix(req.Model, p.ModelPrefix) {
		return false
	}
	if p.MinTokens > 0 && req.MaxTokens < p.MinTokens {
		return false
	}
	if p.MaxTokens > 0 && req.MaxTokens > p.MaxTokens {
		return false
	}
	if p.Hint != "" && req.Hints.PreferredProvider != p.Hint {
		return false
	}
	return true
}

// Rule pairs a predicate with the provider name to route to when it
// matches. Rules are evaluated in order; the first match wins.
type Rule struct {
	Predicate Predicate
	Provider  string
}

// Config configures one Router. Exactly the fields relevant to Strategy
// need to be set; others are ignored.
type Config struct {
	Strategy Strategy

	// LoadBalance: provider name -> relative weight. Weights need not sum
	// to any particular value; selection is weighted by the proportion
	// each weight represents of the total.
	Weights map[string]float64

	// Failover: explicit priority order. Providers not listed fall back to
	// registration order, after all named ones.
	Order []string

	// Conditional: evaluated in order, first match wins. DefaultProvider is
	// used when no rule matches; empty means fall through to every
	// registered provider in registration order.
	Rules           []Rule
	DefaultProvider string

	// ABTest: provider name -> percentage of traffic, e.g.
	// {"openai": 80, "anthropic": 20}. Must sum to exactly 100; Router
	// construction fails loudly (via NewConfigError) otherwise is the
	// caller's responsibility — New does not validate, callers validate at
	// load time via Validate.
	Splits map[string]int
}

// Validate checks Config invariants that can be caught before routing ever
// runs, per the resolved Open Question that Conditional rules are AND-only
// (captured by Predicate's shape) and ABTest splits must be a full
// partition of traffic.
func (c Config) Validate() error {
	if c.Strategy == StrategyABTest {
		total := 0
		for _, pct := range c.Splits {
			if pct < 0 {
				return gatewayerr.New(gatewayerr.KindConfig, "ab_test split percentages must be non-negative")
			}
			total += pct
		}
		if len(c.Splits) > 0 && total != 100 {
			return gatewayerr.New(gatewayerr.KindConfig, "ab_test splits must sum to 100")
		}
	}
	return nil
}

// Router holds the full set of registered providers plus the shared
// breaker registry and health monitor used to exclude unavailable ones.
type Router struct {
	cfg       Config
	providers []provider.Provider
	byName    map[string]provider.Provider
	breakers  *breaker.Registry
	health    *health.Monitor

	rrCounter uint64
}

// New builds a Router over providers using cfg. breakers and mon may be
// nil, in which case breaker/health-based exclusion is skipped (useful in
// tests).
func New(cfg Config, providers []provider.Provider, breakers *breaker.Registry, mon *health.Monitor) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	byName := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Router{
		cfg:       cfg,
		providers: providers,
		byName:    byName,
		breakers:  breakers,
		health:    mon,
	}, nil
}

// Candidates returns the ordered list of providers eligible to serve req,
// after excluding any whose breaker is Open and filtering to providers
// that declare the capability req requires. An empty result is reported as
// KindNoProvidersAvailable, never as an empty slice.
func (r *Router) Candidates(req *canon.Request, cap provider.Capability) ([]provider.Provider, error) {
	eligible := r.eligible(cap)
	if len(eligible) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindNoProvidersAvailable, "no provider declares the required capability")
	}

	if len(req.Tools) > 0 {
		toolCapable := make([]provider.Provider, 0, len(eligible))
		for _, p := range eligible {
			if provider.Has(p, provider.CapToolCalls) {
				toolCapable = append(toolCapable, p)
			}
		}
		if len(toolCapable) == 0 {
			return nil, gatewayerr.New(gatewayerr.KindUnsupportedFeature, "no eligible provider supports tool calls")
		}
		eligible = toolCapable
	}

	var ordered []provider.Provider
	switch r.cfg.Strategy {
	case StrategySingle:
		ordered = r.single(eligible)
	case StrategyRoundRobin:
		ordered = r.roundRobin(eligible)
	case StrategyLoadBalance:
		ordered = r.loadBalance(eligible)
	case StrategyLeastUsed:
		ordered = r.leastUsed(eligible)
	case StrategyLowestLatency:
		ordered = r.lowestLatency(eligible)
	case StrategyFailover:
		ordered = r.failover(eligible)
	case StrategyConditional:
		ordered = r.conditional(eligible, req)
	case StrategyABTest:
		ordered = r.abTest(eligible, req)
	default:
		ordered = eligible
	}

	if len(ordered) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindNoProvidersAvailable, "all eligible providers excluded by routing strategy")
	}
	return ordered, nil
}

// eligible filters to providers with an open (or unknown) breaker state
// that declare cap.
func (r *Router) eligible(cap provider.Capability) []provider.Provider {
	var out []provider.Provider
	for _, p := range r.providers {
		if !provider.Has(p, cap) {
			continue
		}
		if r.breakers != nil {
			if state, ok := r.breakers.State(p.Name()); ok && state == gobreaker.StateOpen {
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) single(eligible []provider.Provider) []provider.Provider {
	if len(r.cfg.Order) > 0 {
		if p, ok := r.byName[r.cfg.Order[0]]; ok {
			for _, e := range eligible {
				if e.Name() == p.Name() {
					return []provider.Provider{p}
				}
			}
		}
		return nil
	}
	return eligible[:1]
}

func (r *Router) roundRobin(eligible []provider.Provider) []provider.Provider {
	n := uint64(len(eligible))
	idx := atomic.AddUint64(&r.rrCounter, 1) - 1
	start := int(idx % n)
	return rotate(eligible, start)
}

func rotate(ps []provider.Provider, start int) []provider.Provider {
	out := make([]provider.Provider, len(ps))
	for i := range ps {
		out[i] = ps[(start+i)%len(ps)]
	}
	return out
}

// loadBalanceWeight returns the configured weight for name, defaulting
// every provider to an equal share when cfg.Weights is unset entirely.
func (r *Router) loadBalanceWeight(name string) float64 {
	if len(r.cfg.Weights) == 0 {
		return 1
	}
	return r.cfg.Weights[name]
}

// loadBalance picks the lead candidate via weighted random cumulative-weight
// sampling, so across many requests each provider's share of the lead slot
// converges to its weight's proportion of the total (spec'd as weighted
// random, not a deterministic sort). The rest become failover order behind
// it, by descending weight.
func (r *Router) loadBalance(eligible []provider.Provider) []provider.Provider {
	total := 0.0
	for _, p := range eligible {
		total += r.loadBalanceWeight(p.Name())
	}
	if total <= 0 {
		return eligible
	}

	pick := rand.Float64() * total
	leadIdx := len(eligible) - 1
	cumulative := 0.0
	for i, p := range eligible {
		cumulative += r.loadBalanceWeight(p.Name())
		if pick < cumulative {
			leadIdx = i
			break
		}
	}

	rest := make([]provider.Provider, 0, len(eligible)-1)
	for i, p := range eligible {
		if i != leadIdx {
			rest = append(rest, p)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return r.loadBalanceWeight(rest[i].Name()) > r.loadBalanceWeight(rest[j].Name())
	})
	return append([]provider.Provider{eligible[leadIdx]}, rest...)
}

func (r *Router) leastUsed(eligible []provider.Provider) []provider.Provider {
	if r.health == nil {
		return eligible
	}
	out := make([]provider.Provider, len(eligible))
	copy(out, eligible)
	sort.SliceStable(out, func(i, j int) bool {
		return r.health.Snapshot(out[i].Name()).InFlight < r.health.Snapshot(out[j].Name()).InFlight
	})
	return out
}

func (r *Router) lowestLatency(eligible []provider.Provider) []provider.Provider {
	if r.health == nil {
		return eligible
	}
	out := make([]provider.Provider, len(eligible))
	copy(out, eligible)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := r.health.Snapshot(out[i].Name()), r.health.Snapshot(out[j].Name())
		if si.TotalObserved == 0 {
			return false
		}
		if sj.TotalObserved == 0 {
			return true
		}
		return si.LatencyEMAMs < sj.LatencyEMAMs
	})
	return out
}

func (r *Router) failover(eligible []provider.Provider) []provider.Provider {
	rank := make(map[string]int, len(r.cfg.Order))
	for i, name := range r.cfg.Order {
		rank[name] = i
	}
	out := make([]provider.Provider, len(eligible))
	copy(out, eligible)
	sort.SliceStable(out, func(i, j int) bool {
		ri, oki := rank[out[i].Name()]
		rj, okj := rank[out[j].Name()]
		if oki && okj {
			return ri < rj
		}
		if oki != okj {
			return oki
		}
		return false
	})
	return out
}

// conditional evaluates rules in order and places the first match's
// provider first, followed by the remaining eligible providers so the
// driver still has failover candidates if the matched provider's call
// fails.
func (r *Router) conditional(eligible []provider.Provider, req *canon.Request) []provider.Provider {
	matchName := r.cfg.DefaultProvider
	for _, rule := range r.cfg.Rules {
		if rule.Predicate.matches(req) {
			matchName = rule.Provider
			break
		}
	}
	if matchName == "" {
		return eligible
	}
	var head provider.Provider
	var rest []provider.Provider
	for _, p := range eligible {
		if p.Name() == matchName && head == nil {
			head = p
			continue
		}
		rest = append(rest, p)
	}
	if head == nil {
		return eligible
	}
	return append([]provider.Provider{head}, rest...)
}

// abTest buckets req deterministically into [0, 100) via its fingerprint
// and picks the provider whose cumulative split range contains the bucket,
// then appends the rest as failover candidates.
func (r *Router) abTest(eligible []provider.Provider, req *canon.Request) []provider.Provider {
	if len(r.cfg.Splits) == 0 {
		return eligible
	}
	bucket := canon.FingerprintBucket(req)

	names := make([]string, 0, len(r.cfg.Splits))
	for name := range r.cfg.Splits {
		names = append(names, name)
	}
	sort.Strings(names)

	cumulative := 0
	var matchName string
	for _, name := range names {
		cumulative += r.cfg.Splits[name]
		if bucket < cumulative {
			matchName = name
			break
		}
	}
	if matchName == "" {
		matchName = names[len(names)-1]
	}

	var head provider.Provider
	var rest []provider.Provider
	for _, p := range eligible {
		if p.Name() == matchName && head == nil {
			head = p
			continue
		}
		rest = append(rest, p)
	}
	if head == nil {
		return eligible
	}
	return append([]provider.Provider{head}, rest...)
}
