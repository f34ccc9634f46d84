package scoring_test

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/sysiphe/contactfinder/internal/registry"
	"github.com/sysiphe/contactfinder/internal/scoring"
)

func intp(v int) *int { return &v }

var example = registry.Record{
	CompanyID:  "51824753556",
	LegalName:  "Example Pty Ltd",
	EntityType: "Company",
	Region:     "NSW",
}

func whitelistConfig(threshold float64) scoring.Config {
	return scoring.Config{
		Threshold: threshold,
		Rules: []scoring.Rule{
			{Kind: scoring.KindRegionWhitelist, Values: []string{"NSW"}, Weight: 1.0},
			{Kind: scoring.KindEntityTypeWhitelist, Values: []string{"Company"}, Weight: 1.0},
		},
	}
}

func TestScore_WhitelistScenario(t *testing.T) {
	got := scoring.Score(example, whitelistConfig(1.5))
	if got.Score != 2.0 || !got.Passed {
		t.Fatalf("unexpected scored candidate: %#v", got)
	}
	if got.Record != example {
		t.Fatalf("record not carried through: %#v", got.Record)
	}
}

func TestScore_ThresholdIsInclusive(t *testing.T) {
	if got := scoring.Score(example, whitelistConfig(2.0)); !got.Passed {
		t.Fatalf("score == threshold must pass: %#v", got)
	}
	if got := scoring.Score(example, whitelistConfig(2.0001)); got.Passed {
		t.Fatalf("score < threshold must fail: %#v", got)
	}
}

func TestScore_Deterministic(t *testing.T) {
	cfg := scoring.Config{
		Threshold: 1,
		Rules: []scoring.Rule{
			{Kind: scoring.KindEntityTypeWeights, Weights: map[string]float64{"company": 0.7, "COMPANY": 0.9, "Trust": -1}},
			{Kind: scoring.KindPostalRange, Min: intp(2000), Max: intp(2999), Weight: 0.3},
			{Kind: scoring.KindNameKeyword, Values: []string{"pty ltd"}, Weight: 0.1},
			{Kind: scoring.KindRegionWhitelist, Values: []string{"NSW"}, Mode: scoring.ModeMultiply, Weight: 1.5},
		},
	}
	rec := example
	rec.PostalCode = "2000"
	first := scoring.Score(rec, cfg)
	for i := 0; i < 200; i++ {
		if got := scoring.Score(rec, cfg); got != first {
			t.Fatalf("run %d: %#v != %#v", i, got, first)
		}
	}
}

func TestScore_Rules(t *testing.T) {
	tests := []struct {
		name string
		rec  registry.Record
		rule scoring.Rule
		want float64
	}{
		{
			name: "unknown entity type is neutral",
			rec:  registry.Record{EntityType: "Other Incorporated Entity"},
			rule: scoring.Rule{Kind: scoring.KindEntityTypeWeights, Weights: map[string]float64{"Company": 2}},
			want: 0,
		},
		{
			name: "entity weights case-insensitive",
			rec:  registry.Record{EntityType: "company"},
			rule: scoring.Rule{Kind: scoring.KindEntityTypeWeights, Weights: map[string]float64{"Company": 2}},
			want: 2,
		},
		{
			name: "postal in range",
			rec:  registry.Record{PostalCode: "2010"},
			rule: scoring.Rule{Kind: scoring.KindPostalRange, Min: intp(2000), Max: intp(2999), Weight: 0.5},
			want: 0.5,
		},
		{
			name: "postal not numeric",
			rec:  registry.Record{PostalCode: "N/A"},
			rule: scoring.Rule{Kind: scoring.KindPostalRange, Min: intp(2000), Max: intp(2999), Weight: 0.5},
			want: 0,
		},
		{
			name: "business name present",
			rec:  registry.Record{BusinessName: "Shop"},
			rule: scoring.Rule{Kind: scoring.KindHasBusinessName, Weight: 0.25},
			want: 0.25,
		},
		{
			name: "keyword whole word",
			rec:  registry.Record{LegalName: "THE SMITH FAMILY TRUST"},
			rule: scoring.Rule{Kind: scoring.KindNameKeyword, Values: []string{"trust"}, Weight: -3},
			want: -3,
		},
		{
			name: "keyword does not match inside word",
			rec:  registry.Record{LegalName: "TRUSTWORTHY PLUMBING PTY LTD"},
			rule: scoring.Rule{Kind: scoring.KindNameKeyword, Values: []string{"trust"}, Weight: -3},
			want: 0,
		},
		{
			name: "multi word keyword",
			rec:  registry.Record{LegalName: "Acme Superannuation Fund"},
			rule: scoring.Rule{Kind: scoring.KindNameKeyword, Values: []string{"SUPERANNUATION FUND"}, Weight: -3},
			want: -3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := scoring.Score(tt.rec, scoring.Config{Rules: []scoring.Rule{tt.rule}})
			if got.Score != tt.want {
				t.Fatalf("score=%v want %v", got.Score, tt.want)
			}
		})
	}
}

func TestScore_MultiplyScalesSum(t *testing.T) {
	cfg := whitelistConfig(0)
	cfg.Rules = append(cfg.Rules,
		scoring.Rule{Kind: scoring.KindHasBusinessName, Mode: scoring.ModeMultiply, Weight: 0.5},
		scoring.Rule{Kind: scoring.KindRegionWhitelist, Values: []string{"VIC"}, Mode: scoring.ModeMultiply, Weight: 10},
	)
	rec := example
	rec.BusinessName = "Example"
	if got := scoring.Score(rec, cfg); got.Score != 1.0 {
		t.Fatalf("expected (1+1)*0.5 = 1.0, got %v", got.Score)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := whitelistConfig(1.5).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := scoring.Config{
		Threshold: math.NaN(),
		Rules: []scoring.Rule{
			{Kind: "vibes"},
			{Kind: scoring.KindRegionWhitelist},
			{Kind: scoring.KindPostalRange, Min: intp(3000), Max: intp(2000)},
			{Kind: scoring.KindEntityTypeWeights},
			{Kind: scoring.KindHasBusinessName, Mode: "pow", Weight: math.Inf(1)},
		},
	}
	err := bad.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	var ce *scoring.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	for _, want := range []string{
		"threshold", `rules[0].kind: unknown rule kind "vibes"`, "rules[1].values",
		"rules[2].min/max: min 3000 exceeds max 2000", "rules[3].weights", `rules[4].mode`, "rules[4].weight",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error:\n%v", want, err)
		}
	}

	if err := (scoring.Config{Threshold: 1}).Validate(); err == nil {
		t.Fatalf("expected error for empty rules")
	}
}
