// Package notify delivers snapshot summaries to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	pkghttp "FolioPull/pkg/http"

	"github.com/shopspring/decimal"
)

var _ drepo.Sink = (*TelegramSink)(nil)

const defaultTelegramAPI = "https://api.telegram.org"

type TelegramOptions struct {
	BaseURL string
	Token   string
	ChatID  string
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode,omitempty"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// TelegramSink posts a fixed-width table of netliq and per-source balances,
// with the change against the previously sent snapshot.
type TelegramSink struct {
	opts TelegramOptions
	http *pkghttp.Client
	loc  *time.Location

	mu   sync.Mutex
	prev *models.MergedSnapshot
}

func NewTelegramSink(client *pkghttp.Client, o TelegramOptions, loc *time.Location) (*TelegramSink, error) {
	if o.Token == "" || o.ChatID == "" {
		return nil, &models.ConfigError{Field: "sinks.telegram", Reason: "token and chat_id are required"}
	}
	if o.BaseURL == "" {
		o.BaseURL = defaultTelegramAPI
	}
	if client == nil {
		client = pkghttp.NewClient()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &TelegramSink{opts: o, http: client, loc: loc}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Close() error { return nil }

func (s *TelegramSink) Write(ctx context.Context, snap *models.MergedSnapshot) error {
	s.mu.Lock()
	prev := s.prev
	s.mu.Unlock()

	var resp botResponse
	err := s.http.SendAndParse(ctx, &pkghttp.RequestOptions{
		Method: pkghttp.MethodPost,
		URL:    strings.TrimRight(s.opts.BaseURL, "/") + "/bot" + s.opts.Token + "/sendMessage",
		Body: sendMessageRequest{
			ChatID:    s.opts.ChatID,
			Text:      FormatSummary(snap, prev, s.loc),
			ParseMode: "MarkdownV2",
		},
	}, &resp)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("telegram sendMessage: %w", errors.New(resp.Description))
	}

	s.mu.Lock()
	s.prev = snap
	s.mu.Unlock()
	return nil
}

// FormatSummary renders the snapshot as a code block. prev may be nil.
func FormatSummary(snap, prev *models.MergedSnapshot, loc *time.Location) string {
	ids := make([]string, 0, len(snap.Balances))
	for id := range snap.Balances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("```\n")
	fmt.Fprintf(&b, "%-10s %s\n", "date", snap.Date.In(loc).Format("02/01/06 15:04"))
	row := func(name string, cur decimal.Decimal, old *decimal.Decimal) {
		fmt.Fprintf(&b, "%-10s %14s", name, cur.StringFixed(2))
		if old != nil && !old.IsZero() {
			pct := cur.Sub(*old).Div(old.Abs()).Mul(decimal.NewFromInt(100))
			sign := ""
			if pct.IsPositive() {
				sign = "+"
			}
			fmt.Fprintf(&b, " %8s%%", sign+pct.StringFixed(2))
		}
		b.WriteString("\n")
	}

	var prevNet *decimal.Decimal
	if prev != nil {
		prevNet = &prev.NetLiq
	}
	row(models.PayloadKeyNetLiq, snap.NetLiq, prevNet)
	for _, id := range ids {
		var old *decimal.Decimal
		if prev != nil {
			if v, ok := prev.Balances[id]; ok {
				old = &v
			}
		}
		row(id, snap.Balances[id], old)
	}
	b.WriteString("```")
	return b.String()
}
