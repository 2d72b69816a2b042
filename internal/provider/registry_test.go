package provider

import (
	"strings"
	"testing"
)

func TestParseRegistry_Default(t *testing.T) {
	r, err := ParseRegistry(DefaultRegistry)
	if err != nil {
		t.Fatalf("ParseRegistry failed: %v", err)
	}
	specs := r.Specs()
	if len(specs) != 3 {
		t.Fatalf("Expected 3 providers, got %d", len(specs))
	}
	if specs[0].Label != "deepseek" || specs[0].ModelID != "deepseek/deepseek-r1:free" {
		t.Errorf("Unexpected first provider: %+v", specs[0])
	}
	for i, s := range specs {
		if s.Priority != i {
			t.Errorf("Expected priority %d, got %d", i, s.Priority)
		}
		if s.Upstream != UpstreamOpenAI {
			t.Errorf("Expected default upstream openai, got %s", s.Upstream)
		}
	}
}

func TestParseRegistry_Upstream(t *testing.T) {
	r, err := ParseRegistry("flash = gemini-1.5-flash@gemini, sonnet=claude-3-5-sonnet-20241022@claude,free=meta/llama:free")
	if err != nil {
		t.Fatalf("ParseRegistry failed: %v", err)
	}
	specs := r.Specs()
	if specs[0].Upstream != UpstreamGemini || specs[0].ModelID != "gemini-1.5-flash" {
		t.Errorf("Unexpected gemini spec: %+v", specs[0])
	}
	if specs[1].Upstream != UpstreamClaude {
		t.Errorf("Unexpected claude spec: %+v", specs[1])
	}
	if specs[2].ModelID != "meta/llama:free" {
		t.Errorf("Expected model id with colon kept, got %s", specs[2].ModelID)
	}
	if got := strings.Join(r.Upstreams(), ","); got != "gemini,claude,openai" {
		t.Errorf("Unexpected upstreams: %s", got)
	}
}

func TestParseRegistry_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"no model":  "a=",
		"no equals": "a",
		"duplicate": "a=m1,a=m2",
		"upstream":  "a=m@mistral",
	}
	for name, raw := range cases {
		if _, err := ParseRegistry(raw); err == nil {
			t.Errorf("%s: expected error for %q", name, raw)
		}
	}
}

func TestRegistry_SpecsIsCopy(t *testing.T) {
	r, _ := ParseRegistry("a=m1,b=m2")
	specs := r.Specs()
	specs[0].Label = "mutated"
	if r.Labels()[0] != "a" {
		t.Error("Registry must not be mutated through Specs()")
	}
}
