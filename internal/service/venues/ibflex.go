package venues

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	pkghttp "FolioPull/pkg/http"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/retry"

	"github.com/shopspring/decimal"
)

const (
	defaultFlexRequestURL   = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService/SendRequest"
	defaultFlexStatementURL = "https://ndcdyn.interactivebrokers.com/AccountManagement/FlexWebService/GetStatement"
	flexVersion             = "3"
	// The flex web service rejects unknown clients.
	flexUserAgent = "Java"
)

// Flex web service error codes.
const (
	flexCodeThrottled    = 1018
	flexCodeInProgress   = 1019
	flexCodeTokenExpired = 1012
	flexCodeTokenInvalid = 1015
	flexCodeIPRestricted = 1016
)

// IBFlexOptions configures an Interactive Brokers Flex Query source.
type IBFlexOptions struct {
	Token           string
	BalanceQueryID  string
	PositionQueryID string
	RequestURL      string
	StatementURL    string
	// Timezone of the whenGenerated attribute. Defaults to America/New_York.
	Timezone     string
	PollAttempts int
	PollDelay    time.Duration
}

type flexStatementResponse struct {
	XMLName       xml.Name `xml:"FlexStatementResponse"`
	Status        string   `xml:"Status"`
	ReferenceCode string   `xml:"ReferenceCode"`
	URL           string   `xml:"Url"`
	ErrorCode     int      `xml:"ErrorCode"`
	ErrorMessage  string   `xml:"ErrorMessage"`
}

type flexQueryResponse struct {
	XMLName    xml.Name        `xml:"FlexQueryResponse"`
	Statements []flexStatement `xml:"FlexStatements>FlexStatement"`
}

type flexStatement struct {
	AccountID     string `xml:"accountId,attr"`
	WhenGenerated string `xml:"whenGenerated,attr"`
	NAV           *struct {
		EndingValue string `xml:"endingValue,attr"`
	} `xml:"ChangeInNAV"`
	Positions []flexPosition `xml:"OpenPositions>OpenPosition"`
}

type flexPosition struct {
	Symbol     string `xml:"symbol,attr"`
	Multiplier string `xml:"multiplier,attr"`
	Position   string `xml:"position,attr"`
	MarkPrice  string `xml:"markPrice,attr"`
}

// IBFlex pulls end-of-day statements through the two-step Flex web service:
// SendRequest returns a reference code, GetStatement is polled with it until
// the statement is generated.
type IBFlex struct {
	id     string
	opts   IBFlexOptions
	loc    *time.Location
	http   *pkghttp.Client
	policy retry.Policy
	log    *applogger.Logger
}

func newIBFlexFromSpec(spec SourceSpec, deps Deps) (drepo.SourceAdapter, error) {
	return NewIBFlex(spec.ID, spec.IBFlex, deps)
}

func NewIBFlex(id string, o IBFlexOptions, deps Deps) (*IBFlex, error) {
	field := "sources." + id + ".ibflex"
	if o.Token == "" || o.BalanceQueryID == "" {
		return nil, &models.ConfigError{Field: field, Reason: "token and balance_query_id are required"}
	}
	if o.PositionQueryID == "" {
		o.PositionQueryID = o.BalanceQueryID
	}
	if o.RequestURL == "" {
		o.RequestURL = defaultFlexRequestURL
	}
	if o.StatementURL == "" {
		o.StatementURL = defaultFlexStatementURL
	}
	if o.Timezone == "" {
		o.Timezone = "America/New_York"
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = 10
	}
	if o.PollDelay <= 0 {
		o.PollDelay = 5 * time.Second
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		return nil, &models.ConfigError{Field: field + ".timezone", Reason: err.Error()}
	}
	if deps.HTTP == nil {
		deps.HTTP = pkghttp.NewClient()
	}
	if deps.Logger == nil {
		deps.Logger = applogger.Nop()
	}
	return &IBFlex{id: id, opts: o, loc: loc, http: deps.HTTP, policy: deps.Retry, log: deps.Logger}, nil
}

func (f *IBFlex) ID() string { return f.id }

// Fetch reads NAV from the balance query and open positions from the
// position query. The report timestamp is the older of the two statements.
func (f *IBFlex) Fetch(ctx context.Context) (*models.FetchResult, error) {
	balanceStmt, err := f.statement(ctx, f.opts.BalanceQueryID)
	if err != nil {
		return nil, err
	}
	positionStmt := balanceStmt
	if f.opts.PositionQueryID != f.opts.BalanceQueryID {
		if positionStmt, err = f.statement(ctx, f.opts.PositionQueryID); err != nil {
			return nil, err
		}
	}

	if balanceStmt.NAV == nil {
		return nil, f.malformed(errors.New("statement has no ChangeInNAV section"))
	}
	balance, err := decimal.NewFromString(balanceStmt.NAV.EndingValue)
	if err != nil {
		return nil, f.malformed(fmt.Errorf("endingValue %q: %w", balanceStmt.NAV.EndingValue, err))
	}

	report, err := f.generatedAt(balanceStmt.WhenGenerated)
	if err != nil {
		return nil, err
	}
	if positionStmt != balanceStmt {
		posReport, err := f.generatedAt(positionStmt.WhenGenerated)
		if err != nil {
			return nil, err
		}
		if posReport.Before(report) {
			report = posReport
		}
	}

	positions := make([]models.PositionEntry, 0, len(positionStmt.Positions))
	for _, p := range positionStmt.Positions {
		entry, err := f.position(p)
		if err != nil {
			return nil, err
		}
		positions = append(positions, entry)
	}

	f.log.Debug("flex statement parsed",
		applogger.String("account", balanceStmt.AccountID),
		applogger.Time("when_generated", report),
		applogger.Int("positions", len(positions)),
	)
	return &models.FetchResult{Balance: balance, Positions: positions, ReportTimestamp: &report}, nil
}

func (f *IBFlex) position(p flexPosition) (models.PositionEntry, error) {
	mult, err := decimal.NewFromString(p.Multiplier)
	if err != nil {
		return models.PositionEntry{}, f.malformed(fmt.Errorf("position %s multiplier %q: %w", p.Symbol, p.Multiplier, err))
	}
	qty, err := decimal.NewFromString(p.Position)
	if err != nil {
		return models.PositionEntry{}, f.malformed(fmt.Errorf("position %s quantity %q: %w", p.Symbol, p.Position, err))
	}
	mark, err := decimal.NewFromString(p.MarkPrice)
	if err != nil {
		return models.PositionEntry{}, f.malformed(fmt.Errorf("position %s markPrice %q: %w", p.Symbol, p.MarkPrice, err))
	}
	return models.PositionEntry{
		Symbol:         p.Symbol,
		Multiplier:     mult.IntPart(),
		Quantity:       qty,
		DollarQuantity: mark.Mul(mult).Mul(qty).Round(3),
	}, nil
}

func (f *IBFlex) generatedAt(raw string) (time.Time, error) {
	for _, layout := range []string{"20060102;150405", "2006-01-02;15:04:05", "20060102"} {
		if t, err := time.ParseInLocation(layout, raw, f.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, f.malformed(fmt.Errorf("whenGenerated %q", raw))
}

// statement runs both steps for one query id.
func (f *IBFlex) statement(ctx context.Context, queryID string) (*flexStatement, error) {
	var ref flexStatementResponse
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		raw, err := f.get(ctx, f.opts.RequestURL, queryID)
		if err != nil {
			return err
		}
		if err := xml.Unmarshal(raw, &ref); err != nil {
			return f.malformed(fmt.Errorf("decode SendRequest response: %w", err))
		}
		if ref.Status != "Success" {
			return f.flexError(ref.ErrorCode, ref.ErrorMessage)
		}
		return nil
	})
	if err != nil {
		return nil, models.ClassifyFetchError(f.id, err)
	}

	url := ref.URL
	if url == "" {
		url = f.opts.StatementURL
	}
	for attempt := 1; attempt <= f.opts.PollAttempts; attempt++ {
		raw, err := f.get(ctx, url, ref.ReferenceCode)
		if err != nil {
			return nil, err
		}
		if bytes.Contains(raw, []byte("<FlexQueryResponse")) {
			var resp flexQueryResponse
			if err := xml.Unmarshal(raw, &resp); err != nil {
				return nil, f.malformed(fmt.Errorf("decode statement: %w", err))
			}
			if len(resp.Statements) == 0 {
				return nil, f.malformed(errors.New("response holds no FlexStatement"))
			}
			return &resp.Statements[0], nil
		}

		var status flexStatementResponse
		if err := xml.Unmarshal(raw, &status); err != nil {
			return nil, f.malformed(fmt.Errorf("decode GetStatement response: %w", err))
		}
		if status.ErrorCode != flexCodeInProgress && status.ErrorCode != flexCodeThrottled {
			return nil, f.flexError(status.ErrorCode, status.ErrorMessage)
		}

		delay := f.opts.PollDelay * time.Duration(attempt)
		f.log.Debug("flex statement not ready",
			applogger.Int("attempt", attempt),
			applogger.Int("code", status.ErrorCode),
			applogger.Duration("delay", delay),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, models.NewFetchError(f.id, models.FetchTimeout, err)
		}
	}
	return nil, models.NewFetchError(f.id, models.FetchRateLimit,
		fmt.Errorf("statement %s not ready after %d polls", ref.ReferenceCode, f.opts.PollAttempts))
}

func (f *IBFlex) get(ctx context.Context, url, q string) ([]byte, error) {
	var raw []byte
	err := f.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method:      pkghttp.MethodGet,
		URL:         url,
		Headers:     map[string]string{"User-Agent": flexUserAgent},
		QueryParams: map[string][]string{"t": {f.opts.Token}, "q": {q}, "v": {flexVersion}},
	}, &raw)
	if err != nil {
		return nil, httpFetchError(f.id, err)
	}
	return raw, nil
}

func (f *IBFlex) flexError(code int, msg string) error {
	err := fmt.Errorf("flex error %s: %s", strconv.Itoa(code), msg)
	switch code {
	case flexCodeThrottled, flexCodeInProgress:
		return models.NewFetchError(f.id, models.FetchRateLimit, err)
	case flexCodeTokenExpired, flexCodeTokenInvalid, flexCodeIPRestricted:
		return models.NewFetchError(f.id, models.FetchAuth, err)
	default:
		return models.NewFetchError(f.id, models.FetchMalformed, err)
	}
}

func (f *IBFlex) malformed(err error) error {
	return models.NewFetchError(f.id, models.FetchMalformed, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
