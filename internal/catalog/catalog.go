// Package catalog is the static registry of chat models: cost multipliers,
// free/paid tiering, provider routing metadata and the hidden free pool.
package catalog

import (
	"math/rand"
	"sync"
)

// ModelInfo describes one logical model. Within a request it is immutable.
type ModelInfo struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Provider       string   `json:"provider"` // openai, anthropic, gemini, ollama
	IsFree         bool     `json:"is_free"`
	MaxTokens      int      `json:"max_tokens"`
	CostMultiplier float64  `json:"cost_multiplier"` // credits per generation, >= 1
	DailyLimit     int      `json:"daily_limit"`     // 0 = plan default
	Pool           []string `json:"-"`               // hidden backing models when this id is a pool alias
}

// IsPoolAlias reports whether this model id fans out to a hidden pool.
func (m ModelInfo) IsPoolAlias() bool { return len(m.Pool) > 0 }

// defaultModels is the shipped registry. "lumina-free" is the anonymized
// free-tier entry point: callers only ever see the alias, the backing ids
// below are routing detail.
var defaultModels = []ModelInfo{
	{
		ID:             "lumina-free",
		Name:           "Lumina Free",
		Provider:       "openai",
		IsFree:         true,
		MaxTokens:      4096,
		CostMultiplier: 1,
		Pool: []string{
			"llama-3.1-8b-instant",
			"gemma2-9b-it",
			"mistral-7b-instruct",
		},
	},
	{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", IsFree: true, MaxTokens: 16384, CostMultiplier: 1},
	{ID: "gpt-4o", Name: "GPT-4o", Provider: "openai", IsFree: false, MaxTokens: 16384, CostMultiplier: 5},
	{ID: "o3", Name: "OpenAI o3", Provider: "openai", IsFree: false, MaxTokens: 100000, CostMultiplier: 20},
	{ID: "claude-sonnet-4", Name: "Claude Sonnet 4", Provider: "anthropic", IsFree: false, MaxTokens: 64000, CostMultiplier: 8},
	{ID: "claude-opus-4", Name: "Claude Opus 4", Provider: "anthropic", IsFree: false, MaxTokens: 32000, CostMultiplier: 30},
	{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Provider: "gemini", IsFree: false, MaxTokens: 65536, CostMultiplier: 6},
	{ID: "lumina-local", Name: "Lumina Local", Provider: "ollama", IsFree: true, MaxTokens: 8192, CostMultiplier: 1},
}

// BaselineFallbacks are the last-resort concrete free models tried after a
// rate-limited primary and its pool siblings are exhausted.
var BaselineFallbacks = []string{"llama-3.1-8b-instant", "gemma2-9b-it"}

// Catalog resolves logical model ids. The random source is injected so pool
// selection is deterministic under test.
type Catalog struct {
	mu     sync.Mutex
	models map[string]ModelInfo
	order  []string
	rng    *rand.Rand
}

// New builds a catalog over the shipped registry.
func New(rng *rand.Rand) *Catalog {
	c := &Catalog{
		models: make(map[string]ModelInfo, len(defaultModels)),
		rng:    rng,
	}
	for _, m := range defaultModels {
		c.models[m.ID] = m
		c.order = append(c.order, m.ID)
	}
	return c
}

// Get returns the model for a logical id.
func (c *Catalog) Get(id string) (ModelInfo, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Cost returns the credit cost multiplier for a model, defaulting to 1 for
// unknown ids.
func (c *Catalog) Cost(id string) float64 {
	if m, ok := c.models[id]; ok {
		return m.CostMultiplier
	}
	return 1
}

// Resolve maps a logical id to the concrete upstream id used for the provider
// call. For a pool alias one member is chosen uniformly at random per call;
// for everything else the id maps to itself.
func (c *Catalog) Resolve(id string) string {
	m, ok := c.models[id]
	if !ok || !m.IsPoolAlias() {
		return id
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return m.Pool[c.rng.Intn(len(m.Pool))]
}

// PoolSiblings returns the other members of an alias's pool, preserving pool
// order, for use as the first fallback candidates. Empty when the id is not
// an alias.
func (c *Catalog) PoolSiblings(aliasID, chosen string) []string {
	m, ok := c.models[aliasID]
	if !ok || !m.IsPoolAlias() {
		return nil
	}
	siblings := make([]string, 0, len(m.Pool)-1)
	for _, p := range m.Pool {
		if p != chosen {
			siblings = append(siblings, p)
		}
	}
	return siblings
}

// ProviderFor returns the provider name for a concrete model id. Pool
// members inherit their alias's provider; unknown ids default to the
// OpenAI-compatible provider.
func (c *Catalog) ProviderFor(id string) string {
	if m, ok := c.models[id]; ok {
		return m.Provider
	}
	for _, m := range c.models {
		for _, member := range m.Pool {
			if member == id {
				return m.Provider
			}
		}
	}
	return "openai"
}

// AvailableForPlan reports whether the model's cost fits under the plan's
// ceiling. Free models are available to every plan.
func (c *Catalog) AvailableForPlan(id, planType string) bool {
	m, ok := c.models[id]
	if !ok {
		return false
	}
	if m.IsFree {
		return true
	}
	plan := PlanFor(planType)
	return m.CostMultiplier <= plan.MaxModelCost
}

// ListForPlan returns the models usable on the given plan, in registry order.
// An empty planType means a free-tier user: free models only.
func (c *Catalog) ListForPlan(planType string) []ModelInfo {
	out := make([]ModelInfo, 0, len(c.order))
	for _, id := range c.order {
		m := c.models[id]
		if planType == "" {
			if m.IsFree {
				out = append(out, m)
			}
			continue
		}
		if c.AvailableForPlan(id, planType) {
			out = append(out, m)
		}
	}
	return out
}
