// Package venues holds the source adapters and the registry that builds them
// from configuration.
package venues

import (
	"fmt"
	"sort"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	pkghttp "FolioPull/pkg/http"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/retry"
)

// Adapter types understood by the registry.
const (
	TypeBinance  = "binance"
	TypeIBFlex   = "ibflex"
	TypeHTTPJSON = "http_json"
	TypeStatic   = "static"
)

// SourceSpec describes one configured source. Exactly the options block
// matching Type is read.
type SourceSpec struct {
	ID       string
	Type     string
	CacheTTL time.Duration

	Binance  BinanceOptions
	IBFlex   IBFlexOptions
	HTTPJSON HTTPJSONOptions
	Static   StaticOptions
}

// Deps are shared collaborators handed to every constructor.
type Deps struct {
	Logger *applogger.Logger
	HTTP   *pkghttp.Client
	Retry  retry.Policy
	Clock  func() time.Time
}

// Factory builds one adapter.
type Factory func(spec SourceSpec, deps Deps) (drepo.SourceAdapter, error)

// Registry maps adapter types to constructors.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry with every built-in adapter type.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{
		TypeBinance:  newBinanceFromSpec,
		TypeIBFlex:   newIBFlexFromSpec,
		TypeHTTPJSON: newHTTPJSONFromSpec,
		TypeStatic:   newStaticFromSpec,
	}}
}

// Types lists the registered adapter types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build constructs one adapter per spec and checks that the configured
// sources match expected exactly. Any mismatch is a *models.ConfigError.
func (r *Registry) Build(specs []SourceSpec, expected []string, deps Deps) ([]drepo.SourceAdapter, error) {
	if deps.Logger == nil {
		deps.Logger = applogger.Nop()
	}
	if deps.HTTP == nil {
		deps.HTTP = pkghttp.NewClient()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = retry.New()
	}
	deps.Retry.Retryable = models.IsRetryableFetch

	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}

	seen := make(map[string]bool, len(specs))
	adapters := make([]drepo.SourceAdapter, 0, len(specs))
	for i, spec := range specs {
		field := fmt.Sprintf("sources[%d]", i)
		if spec.ID == "" {
			return nil, &models.ConfigError{Field: field + ".id", Reason: "must not be empty"}
		}
		if seen[spec.ID] {
			return nil, &models.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("duplicate source %q", spec.ID)}
		}
		seen[spec.ID] = true
		if !want[spec.ID] {
			return nil, &models.ConfigError{Field: field + ".id", Reason: fmt.Sprintf("source %q is not in expected_sources", spec.ID)}
		}

		factory, ok := r.factories[spec.Type]
		if !ok {
			return nil, &models.ConfigError{Field: field + ".type", Reason: fmt.Sprintf("unknown adapter type %q (known: %v)", spec.Type, r.Types())}
		}
		ad, err := factory(spec, deps.forSource(spec.ID))
		if err != nil {
			return nil, fmt.Errorf("build source %s: %w", spec.ID, err)
		}
		if spec.CacheTTL > 0 {
			ad = NewCached(ad, spec.CacheTTL, deps.Clock)
		}
		adapters = append(adapters, ad)
	}

	for _, id := range expected {
		if !seen[id] {
			return nil, &models.ConfigError{Field: "expected_sources", Reason: fmt.Sprintf("no source configured for %q", id)}
		}
	}
	return adapters, nil
}

func (d Deps) forSource(id string) Deps {
	d.Logger = d.Logger.With(applogger.String("source", id))
	return d
}
