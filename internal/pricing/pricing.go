// Package pricing computes the monetary cost of an analysis from token
// counts, driven by a declarative table loaded once at startup. Cost is a
// pure function; every configuration problem (unknown model, non-exhaustive
// tiers) is surfaced at load time, never mid-run.
package pricing

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pricing kinds. Tiered kinds select a tier by the named token metric and
// apply that tier's rates to the entire request, not prorated across tiers.
const (
	KindSimple         = "simple"
	KindTieredByTotal  = "tiered_by_total_tokens"
	KindTieredByInput  = "tiered_by_input_tokens"
	KindTieredByOutput = "tiered_by_output_tokens"
)

// Tier is one pricing bucket. Comparator is applied as
// selector <cmp> Threshold; tiers are evaluated in declared order and the
// first match wins.
type Tier struct {
	Threshold         int     `json:"threshold" yaml:"threshold"`
	Comparator        string  `json:"condition" yaml:"condition"`
	InputPerMillion   float64 `json:"input_cost_per_million" yaml:"input_cost_per_million"`
	OutputPerMillion  float64 `json:"output_cost_per_million" yaml:"output_cost_per_million"`
	ContextPerMillion float64 `json:"context_cost_per_million" yaml:"context_cost_per_million"`
}

// Model is the pricing rule for one (provider, model) pair.
type Model struct {
	Kind string `json:"pricing_type" yaml:"pricing_type"`

	// Rates for KindSimple.
	InputPerMillion   float64 `json:"input_cost_per_million" yaml:"input_cost_per_million"`
	OutputPerMillion  float64 `json:"output_cost_per_million" yaml:"output_cost_per_million"`
	ContextPerMillion float64 `json:"context_cost_per_million" yaml:"context_cost_per_million"`

	// Tiers for the tiered kinds.
	Tiers []Tier `json:"tiers,omitempty" yaml:"tiers,omitempty"`
}

type provider struct {
	Models map[string]Model `json:"models" yaml:"models"`
}

// Table is the validated, read-only pricing configuration for a run.
type Table struct {
	providers map[string]provider
}

// Load reads and validates a pricing table from a JSON or YAML file.
func Load(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	providers := map[string]provider{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(raw, &providers)
	default:
		err = json.Unmarshal(raw, &providers)
	}
	if err != nil {
		return nil, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	t := &Table{providers: providers}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate confirms a (provider, model) pair exists. Callers run this before
// any scan so an unknown pair never surfaces mid-run.
func (t *Table) Validate(providerName, model string) error {
	if _, err := t.rule(providerName, model); err != nil {
		return err
	}
	return nil
}

// Cost returns the USD cost for a single request. It performs no I/O.
func (t *Table) Cost(providerName, model string, inputTokens, outputTokens, contextTokens int) (float64, error) {
	rule, err := t.rule(providerName, model)
	if err != nil {
		return 0, err
	}

	var in, out, ctx float64
	switch rule.Kind {
	case "", KindSimple:
		in, out, ctx = rule.InputPerMillion, rule.OutputPerMillion, rule.ContextPerMillion
	default:
		selector := selectorValue(rule.Kind, inputTokens, outputTokens)
		tier, ok := matchTier(rule.Tiers, selector)
		if !ok {
			// validate() proves coverage, so this is unreachable for a
			// loaded table; keep the guard for zero-value Tables.
			return 0, fmt.Errorf("pricing: no tier matches %d tokens for %s/%s", selector, providerName, model)
		}
		in, out, ctx = tier.InputPerMillion, tier.OutputPerMillion, tier.ContextPerMillion
	}

	cost := float64(inputTokens)/1e6*in +
		float64(outputTokens)/1e6*out +
		float64(contextTokens)/1e6*ctx
	return cost, nil
}

func (t *Table) rule(providerName, model string) (Model, error) {
	p, ok := t.providers[strings.ToLower(providerName)]
	if !ok {
		return Model{}, fmt.Errorf("pricing: unknown provider %q", providerName)
	}
	m, ok := p.Models[model]
	if !ok {
		return Model{}, fmt.Errorf("pricing: no pricing for %s/%s", providerName, model)
	}
	return m, nil
}

func selectorValue(kind string, inputTokens, outputTokens int) int {
	switch kind {
	case KindTieredByInput:
		return inputTokens
	case KindTieredByOutput:
		return outputTokens
	default: // KindTieredByTotal
		return inputTokens + outputTokens
	}
}

func matchTier(tiers []Tier, v int) (Tier, bool) {
	for _, tier := range tiers {
		switch tier.Comparator {
		case "<=":
			if v <= tier.Threshold {
				return tier, true
			}
		case "<":
			if v < tier.Threshold {
				return tier, true
			}
		case ">":
			if v > tier.Threshold {
				return tier, true
			}
		case ">=":
			if v >= tier.Threshold {
				return tier, true
			}
		}
	}
	return Tier{}, false
}

// validate rejects unknown kinds/comparators and non-exhaustive tier sets.
// Coverage is checked by probing the boundary around every declared
// threshold plus 0 and a max sentinel; a selector is an int, so any gap
// shows up at one of those probes.
func (t *Table) validate() error {
	for pname, p := range t.providers {
		for mname, m := range p.Models {
			switch m.Kind {
			case "", KindSimple:
				continue
			case KindTieredByTotal, KindTieredByInput, KindTieredByOutput:
			default:
				return fmt.Errorf("pricing: %s/%s: unknown pricing_type %q", pname, mname, m.Kind)
			}
			if len(m.Tiers) == 0 {
				return fmt.Errorf("pricing: %s/%s: tiered pricing with no tiers", pname, mname)
			}
			probes := []int{0, math.MaxInt32}
			for _, tier := range m.Tiers {
				switch tier.Comparator {
				case "<=", "<", ">", ">=":
				default:
					return fmt.Errorf("pricing: %s/%s: invalid comparator %q", pname, mname, tier.Comparator)
				}
				probes = append(probes, tier.Threshold)
				if tier.Threshold > 0 {
					probes = append(probes, tier.Threshold-1)
				}
				if tier.Threshold < math.MaxInt32 {
					probes = append(probes, tier.Threshold+1)
				}
			}
			for _, v := range probes {
				if _, ok := matchTier(m.Tiers, v); !ok {
					return fmt.Errorf("pricing: %s/%s: tiers do not cover %d tokens", pname, mname, v)
				}
			}
		}
	}
	return nil
}
