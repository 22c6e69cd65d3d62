package venues

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"FolioPull/internal/domain/models"
	"FolioPull/pkg/retry"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

func fastDeps() Deps {
	return Deps{Retry: retry.New(
		retry.WithMaxAttempts(2),
		retry.WithBackoff(time.Millisecond, time.Millisecond),
		retry.WithRetryable(models.IsRetryableFetch),
	)}
}

func TestRegistryBuildValidatesSources(t *testing.T) {
	reg := NewRegistry()
	static := func(id string) SourceSpec { return SourceSpec{ID: id, Type: TypeStatic} }

	cases := []struct {
		name     string
		specs    []SourceSpec
		expected []string
		field    string
	}{
		{"empty id", []SourceSpec{static("")}, []string{"a"}, "sources[0].id"},
		{"duplicate", []SourceSpec{static("a"), static("a")}, []string{"a"}, "sources[1].id"},
		{"unexpected", []SourceSpec{static("a"), static("b")}, []string{"a"}, "sources[1].id"},
		{"unknown type", []SourceSpec{{ID: "a", Type: "ftp"}}, []string{"a"}, "sources[0].type"},
		{"missing", []SourceSpec{static("a")}, []string{"a", "b"}, "expected_sources"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := reg.Build(tc.specs, tc.expected, Deps{})
			var ce *models.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tc.field {
				t.Fatalf("unexpected field %q, want %q", ce.Field, tc.field)
			}
		})
	}
}

func TestRegistryBuildWrapsCached(t *testing.T) {
	adapters, err := NewRegistry().Build([]SourceSpec{
		{ID: "bank", Type: TypeStatic, Static: StaticOptions{Balance: 250}},
		{ID: "cash", Type: TypeStatic, CacheTTL: time.Minute, Static: StaticOptions{Balance: 10}},
	}, []string{"bank", "cash"}, Deps{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(adapters) != 2 {
		t.Fatalf("expected 2 adapters, got %d", len(adapters))
	}
	if _, ok := adapters[0].(*Static); !ok {
		t.Fatalf("expected plain static adapter, got %T", adapters[0])
	}
	cached, ok := adapters[1].(*Cached)
	if !ok {
		t.Fatalf("expected cached adapter, got %T", adapters[1])
	}
	defer cached.Close()
	if cached.ID() != "cash" {
		t.Fatalf("unexpected id %s", cached.ID())
	}
}

func TestRegistryRejectsIncompleteOptions(t *testing.T) {
	_, err := NewRegistry().Build([]SourceSpec{{ID: "ib", Type: TypeIBFlex}}, []string{"ib"}, Deps{})
	if !models.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}

type countingAdapter struct {
	calls int32
	err   error
}

func (c *countingAdapter) ID() string { return "x" }
func (c *countingAdapter) Fetch(context.Context) (*models.FetchResult, error) {
	atomic.AddInt32(&c.calls, 1)
	if c.err != nil {
		return nil, c.err
	}
	return NewStatic("x", StaticOptions{Balance: 1}).Fetch(context.Background())
}

func TestCachedServesWithinTTL(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	inner := &countingAdapter{}
	c := NewCached(inner, 2*time.Minute, clock)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Fetch(ctx); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}

	now = now.Add(3 * time.Minute)
	if _, err := c.Fetch(ctx); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected refetch after ttl, got %d calls", inner.calls)
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingAdapter{err: models.NewFetchError("x", models.FetchNetwork, errors.New("down"))}
	c := NewCached(inner, time.Minute, nil)
	defer c.Close()

	for i := 0; i < 2; i++ {
		if _, err := c.Fetch(context.Background()); err == nil {
			t.Fatalf("expected error")
		}
	}
	if inner.calls != 2 {
		t.Fatalf("expected every failing fetch to reach upstream, got %d", inner.calls)
	}
}

func TestStaticReturnsCopy(t *testing.T) {
	s := NewStatic("bank", StaticOptions{Balance: 100, Positions: []StaticPosition{{Symbol: "EUR", Quantity: 90, DollarQuantity: 100}}})
	first, _ := s.Fetch(context.Background())
	first.Positions[0].Symbol = "changed"
	second, _ := s.Fetch(context.Background())
	if second.Positions[0].Symbol != "EUR" || second.Positions[0].Multiplier != 1 {
		t.Fatalf("unexpected positions %+v", second.Positions)
	}
	if !second.Balance.Equal(first.Balance) || second.Balance.IntPart() != 100 {
		t.Fatalf("unexpected balance %s", second.Balance)
	}
}

type fakeBinance struct {
	balances []binance.Balance
	prices   []*binance.SymbolPrice
	err      error
	calls    int
}

func (f *fakeBinance) Balances(context.Context) ([]binance.Balance, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.balances, nil
}

func (f *fakeBinance) Prices(context.Context) ([]*binance.SymbolPrice, error) {
	return f.prices, nil
}

func TestBinanceValuesBalances(t *testing.T) {
	api := &fakeBinance{
		balances: []binance.Balance{
			{Asset: "BTC", Free: "0.5", Locked: "0.1"},
			{Asset: "USDC", Free: "100", Locked: "0"},
			{Asset: "DOGE", Free: "1", Locked: "0"},
			{Asset: "ETH", Free: "0", Locked: "0"},
			{Asset: "NFTBOX", Free: "3", Locked: "0"},
			{Asset: "XYZ", Free: "7", Locked: "0"},
		},
		prices: []*binance.SymbolPrice{
			{Symbol: "BTCUSDT", Price: "60000"},
			{Symbol: "DOGEUSDT", Price: "0.1"},
			{Symbol: "ETHBTC", Price: "0.05"},
		},
	}
	b := NewBinance("binance", api, BinanceOptions{DustThreshold: 1}, fastDeps())

	res, err := b.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Balance.String() != "36100" {
		t.Fatalf("unexpected balance %s", res.Balance)
	}
	if len(res.Positions) != 2 || res.Positions[0].Symbol != "BTC" || res.Positions[1].Symbol != "USDC" {
		t.Fatalf("unexpected positions %+v", res.Positions)
	}
	if res.Positions[0].Quantity.String() != "0.6" || res.Positions[0].Multiplier != 1 {
		t.Fatalf("unexpected BTC position %+v", res.Positions[0])
	}
	if res.ReportTimestamp != nil {
		t.Fatalf("live venue must not set a report timestamp")
	}
}

func TestBinanceClassifiesAPIErrors(t *testing.T) {
	cases := []struct {
		code  int64
		kind  models.FetchErrorKind
		calls int
	}{
		{-2015, models.FetchAuth, 1},
		{-1003, models.FetchRateLimit, 2},
		{-1100, models.FetchMalformed, 1},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			api := &fakeBinance{err: &common.APIError{Code: tc.code, Message: "nope"}}
			_, err := NewBinance("binance", api, BinanceOptions{}, fastDeps()).Fetch(context.Background())
			var fe *models.SourceFetchError
			if !errors.As(err, &fe) || fe.Kind != tc.kind {
				t.Fatalf("expected %s error, got %v", tc.kind, err)
			}
			if api.calls != tc.calls {
				t.Fatalf("expected %d calls, got %d", tc.calls, api.calls)
			}
		})
	}
}

const flexAccepted = `<FlexStatementResponse timestamp="01 March, 2024 04:30 PM EST">
<Status>Success</Status>
<ReferenceCode>REF1</ReferenceCode>
<Url>%s/GetStatement</Url>
</FlexStatementResponse>`

const flexInProgress = `<FlexStatementResponse timestamp="01 March, 2024 04:30 PM EST">
<Status>Warn</Status>
<ErrorCode>1019</ErrorCode>
<ErrorMessage>Statement generation in progress. Please try again shortly.</ErrorMessage>
</FlexStatementResponse>`

const flexStatementBody = `<FlexQueryResponse queryName="nav" type="AF">
<FlexStatements count="1">
<FlexStatement accountId="U123" fromDate="20240301" toDate="20240301" period="LastBusinessDay" whenGenerated="20240301;163000">
<ChangeInNAV startingValue="4900" endingValue="5000.25" />
<OpenPositions>
<OpenPosition symbol="ES" multiplier="50" position="2" markPrice="5100.5" />
<OpenPosition symbol="AAPL" multiplier="1" position="-10" markPrice="180" />
</OpenPositions>
</FlexStatement>
</FlexStatements>
</FlexQueryResponse>`

func flexServer(t *testing.T, pendingPolls int32, sendStatus string) (*httptest.Server, *int32) {
	t.Helper()
	var polls int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "Java" {
			t.Errorf("unexpected user agent %q", ua)
		}
		if r.URL.Query().Get("t") != "tok" || r.URL.Query().Get("v") != "3" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		switch r.URL.Path {
		case "/SendRequest":
			if sendStatus != "" {
				fmt.Fprint(w, sendStatus)
				return
			}
			fmt.Fprintf(w, flexAccepted, srv.URL)
		case "/GetStatement":
			if r.URL.Query().Get("q") != "REF1" {
				t.Errorf("unexpected reference %s", r.URL.Query().Get("q"))
			}
			if atomic.AddInt32(&polls, 1) <= pendingPolls {
				fmt.Fprint(w, flexInProgress)
				return
			}
			fmt.Fprint(w, flexStatementBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &polls
}

func newTestFlex(t *testing.T, srv *httptest.Server) *IBFlex {
	t.Helper()
	f, err := NewIBFlex("ib", IBFlexOptions{
		Token:          "tok",
		BalanceQueryID: "111",
		RequestURL:     srv.URL + "/SendRequest",
		StatementURL:   srv.URL + "/GetStatement",
		PollAttempts:   5,
		PollDelay:      time.Millisecond,
	}, fastDeps())
	if err != nil {
		t.Fatalf("new flex: %v", err)
	}
	return f
}

func TestIBFlexPollsUntilGenerated(t *testing.T) {
	srv, polls := flexServer(t, 2, "")
	res, err := newTestFlex(t, srv).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if *polls != 3 {
		t.Fatalf("expected 3 polls, got %d", *polls)
	}
	if res.Balance.String() != "5000.25" {
		t.Fatalf("unexpected balance %s", res.Balance)
	}

	ny, _ := time.LoadLocation("America/New_York")
	want := time.Date(2024, 3, 1, 16, 30, 0, 0, ny)
	if res.ReportTimestamp == nil || !res.ReportTimestamp.Equal(want) {
		t.Fatalf("unexpected report timestamp %v", res.ReportTimestamp)
	}

	if len(res.Positions) != 2 {
		t.Fatalf("unexpected positions %+v", res.Positions)
	}
	es := res.Positions[0]
	if es.Symbol != "ES" || es.Multiplier != 50 || es.DollarQuantity.String() != "510050" {
		t.Fatalf("unexpected ES position %+v", es)
	}
	if res.Positions[1].DollarQuantity.String() != "-1800" {
		t.Fatalf("unexpected AAPL position %+v", res.Positions[1])
	}
}

func TestIBFlexGivesUpAfterPollAttempts(t *testing.T) {
	srv, _ := flexServer(t, 100, "")
	_, err := newTestFlex(t, srv).Fetch(context.Background())
	var fe *models.SourceFetchError
	if !errors.As(err, &fe) || fe.Kind != models.FetchRateLimit {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestIBFlexTokenRejected(t *testing.T) {
	srv, _ := flexServer(t, 0, `<FlexStatementResponse><Status>Fail</Status><ErrorCode>1015</ErrorCode><ErrorMessage>Token is invalid.</ErrorMessage></FlexStatementResponse>`)
	_, err := newTestFlex(t, srv).Fetch(context.Background())
	var fe *models.SourceFetchError
	if !errors.As(err, &fe) || fe.Kind != models.FetchAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestHTTPJSONFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"balance": 1200.5, "report_date": "2024-03-01T21:00:00Z",
			"positions": [{"symbol": "VTI", "quantity": 4, "dollar_quantity": 1000}]}`)
	}))
	defer srv.Close()

	a, err := NewHTTPJSON("broker", HTTPJSONOptions{URL: srv.URL, Headers: map[string]string{"X-Api-Key": "k"}, RPS: 100}, fastDeps())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := a.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Balance.String() != "1200.5" || len(res.Positions) != 1 || res.Positions[0].Multiplier != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.ReportTimestamp == nil || !res.ReportTimestamp.Equal(time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected report timestamp %v", res.ReportTimestamp)
	}
}

func TestHTTPJSONErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   models.FetchErrorKind
		calls  int32
	}{
		{"unauthorized", http.StatusUnauthorized, "", models.FetchAuth, 1},
		{"throttled", http.StatusTooManyRequests, "", models.FetchRateLimit, 2},
		{"server error", http.StatusBadGateway, "", models.FetchNetwork, 2},
		{"bad json", http.StatusOK, "{", models.FetchMalformed, 1},
		{"no balance", http.StatusOK, `{"positions": []}`, models.FetchMalformed, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			a, _ := NewHTTPJSON("broker", HTTPJSONOptions{URL: srv.URL}, fastDeps())
			_, err := a.Fetch(context.Background())
			var fe *models.SourceFetchError
			if !errors.As(err, &fe) || fe.Kind != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
			if atomic.LoadInt32(&calls) != tc.calls {
				t.Fatalf("expected %d calls, got %d", tc.calls, calls)
			}
		})
	}
}
