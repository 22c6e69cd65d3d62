package venues

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	pkghttp "FolioPull/pkg/http"
	"FolioPull/pkg/retry"
	"FolioPull/pkg/util"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// HTTPJSONOptions configures a generic JSON endpoint source.
type HTTPJSONOptions struct {
	URL     string
	Headers map[string]string
	// RPS and Burst bound outgoing requests. Zero RPS disables limiting.
	RPS   float64
	Burst int
}

type httpJSONPosition struct {
	Symbol         string          `json:"symbol"`
	Multiplier     int64           `json:"multiplier"`
	Quantity       decimal.Decimal `json:"quantity"`
	DollarQuantity decimal.Decimal `json:"dollar_quantity"`
}

type httpJSONResponse struct {
	Balance    *decimal.Decimal   `json:"balance"`
	Positions  []httpJSONPosition `json:"positions"`
	ReportDate string             `json:"report_date"`
}

// HTTPJSON polls an endpoint returning
// {"balance": n, "positions": [...], "report_date": ts}, where ts is RFC3339,
// a date or unix seconds.
type HTTPJSON struct {
	id      string
	opts    HTTPJSONOptions
	http    *pkghttp.Client
	limiter *rate.Limiter
	policy  retry.Policy
}

func newHTTPJSONFromSpec(spec SourceSpec, deps Deps) (drepo.SourceAdapter, error) {
	return NewHTTPJSON(spec.ID, spec.HTTPJSON, deps)
}

func NewHTTPJSON(id string, o HTTPJSONOptions, deps Deps) (*HTTPJSON, error) {
	if o.URL == "" {
		return nil, &models.ConfigError{Field: "sources." + id + ".http_json.url", Reason: "must not be empty"}
	}
	if deps.HTTP == nil {
		deps.HTTP = pkghttp.NewClient()
	}
	a := &HTTPJSON{id: id, opts: o, http: deps.HTTP, policy: deps.Retry}
	if o.RPS > 0 {
		burst := o.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(o.RPS), burst)
	}
	return a, nil
}

func (a *HTTPJSON) ID() string { return a.id }

func (a *HTTPJSON) Fetch(ctx context.Context) (*models.FetchResult, error) {
	var resp httpJSONResponse
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		if a.limiter != nil {
			if err := a.limiter.Wait(ctx); err != nil {
				return models.NewFetchError(a.id, models.FetchRateLimit, err)
			}
		}
		resp = httpJSONResponse{}
		if err := a.http.SendAndParse(ctx, &pkghttp.RequestOptions{
			Method:  pkghttp.MethodGet,
			URL:     a.opts.URL,
			Headers: a.opts.Headers,
		}, &resp); err != nil {
			return httpFetchError(a.id, err)
		}
		return nil
	})
	if err != nil {
		return nil, models.ClassifyFetchError(a.id, err)
	}

	if resp.Balance == nil {
		return nil, models.NewFetchError(a.id, models.FetchMalformed, errors.New("response has no balance"))
	}
	res := &models.FetchResult{Balance: *resp.Balance}
	if resp.ReportDate != "" {
		t, ok := util.ParseTime(resp.ReportDate, time.UTC)
		if !ok {
			return nil, models.NewFetchError(a.id, models.FetchMalformed, fmt.Errorf("report_date %q is not a timestamp", resp.ReportDate))
		}
		res.ReportTimestamp = &t
	}
	for _, p := range resp.Positions {
		if p.Multiplier == 0 {
			p.Multiplier = 1
		}
		res.Positions = append(res.Positions, models.PositionEntry(p))
	}
	return res, nil
}

// httpFetchError maps transport and status failures to fetch error kinds.
func httpFetchError(source string, err error) error {
	var se *pkghttp.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
			return models.NewFetchError(source, models.FetchAuth, err)
		case se.Code == http.StatusTooManyRequests:
			return models.NewFetchError(source, models.FetchRateLimit, err)
		case se.Code >= 500:
			return models.NewFetchError(source, models.FetchNetwork, err)
		default:
			return models.NewFetchError(source, models.FetchMalformed, err)
		}
	}
	if errors.Is(err, pkghttp.ErrDecode) {
		return models.NewFetchError(source, models.FetchMalformed, err)
	}
	return models.ClassifyFetchError(source, err)
}
