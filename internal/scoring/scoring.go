// Package scoring turns registry records into scored candidates.
//
// Scoring is a pure function of (record, config): no I/O, no clock, no hidden state. The same
// registry snapshot and config always select the same targets.
package scoring

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/sysiphe/contactfinder/internal/registry"
)

// Kind is the closed set of rule kinds.
type Kind string

const (
	KindEntityTypeWhitelist Kind = "entity_type_whitelist"
	KindRegionWhitelist     Kind = "region_whitelist"
	KindPostalRange         Kind = "postal_range"
	KindEntityTypeWeights   Kind = "entity_type_weights"
	KindHasBusinessName     Kind = "has_business_name"
	KindNameKeyword         Kind = "name_keyword"
)

// Mode selects how a rule's term combines into the score.
type Mode string

const (
	ModeAdd      Mode = "add"
	ModeMultiply Mode = "multiply"
)

// Rule is one weighted scoring rule.
type Rule struct {
	Name   string  `yaml:"name" json:"name,omitempty"`
	Kind   Kind    `yaml:"kind" json:"kind"`
	Mode   Mode    `yaml:"mode" json:"mode,omitempty"`
	Weight float64 `yaml:"weight" json:"weight,omitempty"`

	// Values is the whitelist (or keyword list) for whitelist/keyword kinds.
	Values []string `yaml:"values" json:"values,omitempty"`
	// Weights maps entity types to terms for entity_type_weights.
	Weights map[string]float64 `yaml:"weights" json:"weights,omitempty"`
	// Min and Max bound postal_range (inclusive).
	Min *int `yaml:"min" json:"min,omitempty"`
	Max *int `yaml:"max" json:"max,omitempty"`
}

// Config is the full scoring configuration.
type Config struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Rules     []Rule  `yaml:"rules" json:"rules"`
}

// Scored is a record with its score. Values are immutable once produced.
type Scored struct {
	registry.Record
	Score  float64
	Passed bool
}

// ConfigError reports an invalid scoring configuration. It is fatal at startup.
type ConfigError struct {
	Rule   int
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Rule < 0 {
		return fmt.Sprintf("scoring config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("scoring config: rules[%d].%s: %s", e.Rule, e.Field, e.Reason)
}

// Validate checks the configuration. All problems are joined into one error.
func (c Config) Validate() error {
	var errs []error
	add := func(rule int, field, reason string) {
		errs = append(errs, &ConfigError{Rule: rule, Field: field, Reason: reason})
	}

	if !finite(c.Threshold) {
		add(-1, "threshold", "must be a finite number")
	}
	if len(c.Rules) == 0 {
		add(-1, "rules", "at least one rule is required")
	}
	for i, r := range c.Rules {
		switch r.Mode {
		case "", ModeAdd, ModeMultiply:
		default:
			add(i, "mode", fmt.Sprintf("unknown mode %q", r.Mode))
		}
		if !finite(r.Weight) {
			add(i, "weight", "must be a finite number")
		}
		switch r.Kind {
		case KindEntityTypeWhitelist, KindRegionWhitelist, KindNameKeyword:
			if len(nonEmpty(r.Values)) == 0 {
				add(i, "values", "must list at least one value")
			}
		case KindPostalRange:
			if r.Min == nil || r.Max == nil {
				add(i, "min/max", "both bounds are required")
			} else if *r.Min > *r.Max {
				add(i, "min/max", fmt.Sprintf("min %d exceeds max %d", *r.Min, *r.Max))
			}
		case KindEntityTypeWeights:
			if len(r.Weights) == 0 {
				add(i, "weights", "must map at least one entity type")
			}
			for k, w := range r.Weights {
				if !finite(w) {
					add(i, "weights."+k, "must be a finite number")
				}
			}
		case KindHasBusinessName:
		default:
			add(i, "kind", fmt.Sprintf("unknown rule kind %q", r.Kind))
		}
	}
	return errors.Join(errs...)
}

// Score applies cfg to rec. Additive terms are summed from zero, then the sum is scaled by the
// multiplicative factors in rule order. Rules that do not match contribute a neutral term
// (0 for add, 1 for multiply), so an unknown entity type never fails scoring.
func Score(rec registry.Record, cfg Config) Scored {
	var sum float64
	factor := 1.0
	for _, r := range cfg.Rules {
		term, matched := evaluate(r, rec)
		if !matched {
			continue
		}
		if r.Mode == ModeMultiply {
			factor *= term
			continue
		}
		sum += term
	}
	score := sum * factor
	return Scored{
		Record: rec,
		Score:  score,
		Passed: score >= cfg.Threshold,
	}
}

func evaluate(r Rule, rec registry.Record) (float64, bool) {
	switch r.Kind {
	case KindEntityTypeWhitelist:
		return r.Weight, containsFold(r.Values, rec.EntityType)
	case KindRegionWhitelist:
		return r.Weight, containsFold(r.Values, rec.Region)
	case KindPostalRange:
		if r.Min == nil || r.Max == nil {
			return 0, false
		}
		pc, err := strconv.Atoi(strings.TrimSpace(rec.PostalCode))
		if err != nil {
			return 0, false
		}
		return r.Weight, pc >= *r.Min && pc <= *r.Max
	case KindEntityTypeWeights:
		if w, ok := r.Weights[rec.EntityType]; ok {
			return w, true
		}
		// Sorted so that case-colliding keys resolve the same way on every call.
		for _, k := range slices.Sorted(maps.Keys(r.Weights)) {
			if strings.EqualFold(strings.TrimSpace(k), rec.EntityType) {
				return r.Weights[k], true
			}
		}
		return 0, false
	case KindHasBusinessName:
		return r.Weight, strings.TrimSpace(rec.BusinessName) != ""
	case KindNameKeyword:
		return r.Weight, hasKeyword(rec.LegalName, r.Values)
	}
	return 0, false
}

func containsFold(values []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, candidate := range values {
		if strings.EqualFold(strings.TrimSpace(candidate), v) {
			return true
		}
	}
	return false
}

// hasKeyword matches whole words (or word sequences) case-insensitively.
func hasKeyword(name string, keywords []string) bool {
	padded := " " + strings.Join(strings.FieldsFunc(strings.ToUpper(name), isSeparator), " ") + " "
	for _, kw := range keywords {
		words := strings.FieldsFunc(strings.ToUpper(kw), isSeparator)
		if len(words) == 0 {
			continue
		}
		if strings.Contains(padded, " "+strings.Join(words, " ")+" ") {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '&' || r > 127)
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, v := range in {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
