package venues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	applogger "FolioPull/pkg/logger"
	"FolioPull/pkg/retry"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// BinanceOptions configures the spot account adapter.
type BinanceOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
	// Quote is the asset balances are valued in. Defaults to USDT.
	Quote string
	// DustThreshold drops holdings worth less than this many quote units.
	DustThreshold float64
}

var defaultStables = []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD"}

type binanceAPI interface {
	Balances(ctx context.Context) ([]binance.Balance, error)
	Prices(ctx context.Context) ([]*binance.SymbolPrice, error)
}

type binanceClient struct{ c *binance.Client }

func (b binanceClient) Balances(ctx context.Context) ([]binance.Balance, error) {
	acc, err := b.c.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, err
	}
	return acc.Balances, nil
}

func (b binanceClient) Prices(ctx context.Context) ([]*binance.SymbolPrice, error) {
	return b.c.NewListPricesService().Do(ctx)
}

// Binance values a spot account in the quote asset.
type Binance struct {
	id      string
	api     binanceAPI
	quote   string
	dust    decimal.Decimal
	stables map[string]bool
	policy  retry.Policy
	log     *applogger.Logger
}

func newBinanceFromSpec(spec SourceSpec, deps Deps) (drepo.SourceAdapter, error) {
	o := spec.Binance
	if o.APIKey == "" || o.APISecret == "" {
		return nil, &models.ConfigError{Field: "sources." + spec.ID + ".binance", Reason: "api_key and api_secret are required"}
	}
	c := binance.NewClient(o.APIKey, o.APISecret)
	if o.BaseURL != "" {
		c.BaseURL = o.BaseURL
	}
	return NewBinance(spec.ID, binanceClient{c: c}, o, deps), nil
}

func NewBinance(id string, api binanceAPI, o BinanceOptions, deps Deps) *Binance {
	quote := strings.ToUpper(o.Quote)
	if quote == "" {
		quote = "USDT"
	}
	stables := make(map[string]bool, len(defaultStables)+1)
	for _, s := range defaultStables {
		stables[s] = true
	}
	stables[quote] = true
	return &Binance{
		id:      id,
		api:     api,
		quote:   quote,
		dust:    decimal.NewFromFloat(o.DustThreshold),
		stables: stables,
		policy:  deps.Retry,
		log:     deps.Logger,
	}
}

func (b *Binance) ID() string { return b.id }

func (b *Binance) Fetch(ctx context.Context) (*models.FetchResult, error) {
	var (
		balances []binance.Balance
		prices   map[string]decimal.Decimal
	)
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		if balances, err = b.api.Balances(ctx); err != nil {
			return b.classify(err)
		}
		if prices, err = b.priceMap(ctx); err != nil {
			return b.classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, models.ClassifyFetchError(b.id, err)
	}
	return b.value(balances, prices)
}

func (b *Binance) priceMap(ctx context.Context) (map[string]decimal.Decimal, error) {
	list, err := b.api.Prices(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(list))
	for _, p := range list {
		if p == nil || !strings.HasSuffix(p.Symbol, b.quote) {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			continue
		}
		out[strings.TrimSuffix(p.Symbol, b.quote)] = price
	}
	return out, nil
}

func (b *Binance) value(balances []binance.Balance, prices map[string]decimal.Decimal) (*models.FetchResult, error) {
	res := &models.FetchResult{Balance: decimal.Zero}
	var unpriced []string

	for _, bal := range balances {
		free, err1 := decimal.NewFromString(bal.Free)
		locked, err2 := decimal.NewFromString(bal.Locked)
		if err1 != nil || err2 != nil {
			return nil, models.NewFetchError(b.id, models.FetchMalformed, fmt.Errorf("balance %s: %q/%q", bal.Asset, bal.Free, bal.Locked))
		}
		qty := free.Add(locked)
		if qty.IsZero() || strings.Contains(bal.Asset, "NFT") {
			continue
		}

		var worth decimal.Decimal
		if b.stables[bal.Asset] {
			worth = qty
		} else {
			price, ok := prices[bal.Asset]
			if !ok {
				unpriced = append(unpriced, bal.Asset)
				continue
			}
			worth = qty.Mul(price)
		}
		if worth.Abs().LessThan(b.dust) {
			continue
		}

		res.Balance = res.Balance.Add(worth)
		res.Positions = append(res.Positions, models.PositionEntry{
			Symbol:         bal.Asset,
			Multiplier:     1,
			Quantity:       qty,
			DollarQuantity: worth,
		})
	}

	sort.Slice(res.Positions, func(i, j int) bool { return res.Positions[i].Symbol < res.Positions[j].Symbol })
	if len(unpriced) > 0 {
		b.log.Debug("binance assets without quote price skipped", applogger.Strings("assets", unpriced))
	}
	return res, nil
}

func (b *Binance) classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -2014, -2015, -1022, -1002:
			return models.NewFetchError(b.id, models.FetchAuth, err)
		case -1003, -1015:
			return models.NewFetchError(b.id, models.FetchRateLimit, err)
		case -1021, -1001, -1007:
			return models.NewFetchError(b.id, models.FetchNetwork, err)
		default:
			return models.NewFetchError(b.id, models.FetchMalformed, err)
		}
	}
	return models.ClassifyFetchError(b.id, err)
}
