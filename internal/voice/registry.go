package voice

import (
	"sort"
	"strings"

	"github.com/ent0n29/voxnote/internal/apperr"
	"github.com/ent0n29/voxnote/internal/reliability"
)

const (
	ProviderAuto   = "auto"
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// autoPreference is the order used when the default provider is "auto".
var autoPreference = []string{ProviderGemini, ProviderOpenAI, ProviderMock}

// Registry maps provider names to guarded providers.
type Registry struct {
	providers   map[string]*GuardedProvider
	defaultName string
}

// NewRegistry indexes providers by name. defaultName "" or "auto" picks the
// first registered provider in preference order.
func NewRegistry(defaultName string, providers ...*GuardedProvider) *Registry {
	r := &Registry{providers: make(map[string]*GuardedProvider, len(providers))}
	for _, p := range providers {
		if p == nil {
			continue
		}
		r.providers[p.Name()] = p
	}
	name := strings.ToLower(strings.TrimSpace(defaultName))
	if name == "" || name == ProviderAuto {
		name = ""
		for _, candidate := range autoPreference {
			if _, ok := r.providers[candidate]; ok {
				name = candidate
				break
			}
		}
	}
	r.defaultName = name
	return r
}

func (r *Registry) Default() string { return r.defaultName }

// Resolve returns the provider for requested, or the default when requested
// is empty or "auto".
func (r *Registry) Resolve(requested string) (*GuardedProvider, error) {
	name := strings.ToLower(strings.TrimSpace(requested))
	if name == "" || name == ProviderAuto {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown provider %q", requested).
			WithUserMessage("The requested transcription provider is not available.")
	}
	return p, nil
}

// ProviderStatus is the public view of one provider.
type ProviderStatus struct {
	Name          string                      `json:"name"`
	Default       bool                        `json:"default"`
	Available     bool                        `json:"available"`
	Transcription reliability.BreakerSnapshot `json:"transcription"`
	Extraction    reliability.BreakerSnapshot `json:"extraction"`
}

// Statuses lists providers sorted by name. A provider is available while
// neither of its breakers is open.
func (r *Registry) Statuses() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.providers))
	for name, p := range r.providers {
		ts := p.transcribe.Snapshot()
		es := p.extract.Snapshot()
		out = append(out, ProviderStatus{
			Name:          name,
			Default:       name == r.defaultName,
			Available:     ts.State != reliability.StateOpen && es.State != reliability.StateOpen,
			Transcription: ts,
			Extraction:    es,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
