package provider

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultRegistry is the fallback order used when none is configured.
const DefaultRegistry = "deepseek=deepseek/deepseek-r1:free,gpt4o-mini=openai/gpt-4o-mini,gpt4o=openai/gpt-4o"

// Spec identifies one candidate provider. Priority is its position in the registry.
type Spec struct {
	Label    string
	ModelID  string
	Upstream string
	Priority int
}

// Registry is the ordered, immutable list of providers. The order is the fallback order.
type Registry struct {
	specs []Spec
}

func NewRegistry(specs ...Spec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, errors.New("provider registry is empty")
	}
	seen := make(map[string]bool, len(specs))
	out := make([]Spec, len(specs))
	for i, s := range specs {
		s.Label = strings.TrimSpace(s.Label)
		s.ModelID = strings.TrimSpace(s.ModelID)
		if s.Label == "" || s.ModelID == "" {
			return nil, fmt.Errorf("provider %d: label and model are required", i)
		}
		if seen[s.Label] {
			return nil, fmt.Errorf("provider %q listed twice", s.Label)
		}
		seen[s.Label] = true
		if s.Upstream == "" {
			s.Upstream = UpstreamOpenAI
		}
		switch s.Upstream {
		case UpstreamOpenAI, UpstreamGemini, UpstreamClaude:
		default:
			return nil, fmt.Errorf("provider %q: unknown upstream %q", s.Label, s.Upstream)
		}
		s.Priority = i
		out[i] = s
	}
	return &Registry{specs: out}, nil
}

// ParseRegistry reads "label=model[@upstream]" entries separated by commas.
func ParseRegistry(raw string) (*Registry, error) {
	var specs []Spec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		label, model, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid provider entry %q (want label=model)", entry)
		}
		var upstream string
		if i := strings.LastIndex(model, "@"); i >= 0 {
			model, upstream = model[:i], strings.TrimSpace(model[i+1:])
		}
		specs = append(specs, Spec{Label: label, ModelID: model, Upstream: upstream})
	}
	return NewRegistry(specs...)
}

// Specs returns a copy of the providers in fallback order.
func (r *Registry) Specs() []Spec {
	out := make([]Spec, len(r.specs))
	copy(out, r.specs)
	return out
}

func (r *Registry) Len() int {
	return len(r.specs)
}

// Labels lists provider labels in fallback order.
func (r *Registry) Labels() []string {
	labels := make([]string, len(r.specs))
	for i, s := range r.specs {
		labels[i] = s.Label
	}
	return labels
}

// Upstreams returns the distinct upstream names the registry needs.
func (r *Registry) Upstreams() []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range r.specs {
		if !seen[s.Upstream] {
			seen[s.Upstream] = true
			out = append(out, s.Upstream)
		}
	}
	return out
}
