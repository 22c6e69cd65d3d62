package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FolioPull/internal/domain/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func snapshot(netliq, a, b int64) *models.MergedSnapshot {
	return &models.MergedSnapshot{
		ID:     uuid.New(),
		Date:   time.Date(2024, 3, 1, 21, 30, 0, 0, time.UTC),
		NetLiq: decimal.NewFromInt(netliq),
		Balances: map[string]decimal.Decimal{
			"ib":      decimal.NewFromInt(b),
			"binance": decimal.NewFromInt(a),
		},
	}
}

func TestFormatSummaryWithChange(t *testing.T) {
	out := FormatSummary(snapshot(6600, 1600, 5000), snapshot(6000, 1000, 5000), time.UTC)
	lines := strings.Split(out, "\n")
	if lines[0] != "```" || lines[len(lines)-1] != "```" {
		t.Fatalf("expected code block, got %q", out)
	}
	if !strings.Contains(lines[1], "01/03/24 21:30") {
		t.Fatalf("unexpected date line %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "netliq") || !strings.Contains(lines[2], "6600.00") || !strings.Contains(lines[2], "+10.00%") {
		t.Fatalf("unexpected netliq line %q", lines[2])
	}
	if !strings.HasPrefix(lines[3], "binance") || !strings.Contains(lines[3], "+60.00%") {
		t.Fatalf("sources must be sorted with change, got %q", lines[3])
	}
	if !strings.Contains(lines[4], "0.00%") {
		t.Fatalf("unexpected ib line %q", lines[4])
	}
}

func TestFormatSummaryFirstSnapshot(t *testing.T) {
	out := FormatSummary(snapshot(6000, 1000, 5000), nil, time.UTC)
	if strings.Contains(out, "%") {
		t.Fatalf("first snapshot has no change column, got %q", out)
	}
}

func TestTelegramSinkSendsMessage(t *testing.T) {
	var got sendMessageRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(nil, TelegramOptions{BaseURL: srv.URL, Token: "T", ChatID: "-100"}, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Write(context.Background(), snapshot(6000, 1000, 5000)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if path != "/botT/sendMessage" || got.ChatID != "-100" || got.ParseMode != "MarkdownV2" {
		t.Fatalf("unexpected request %s %+v", path, got)
	}
	if !strings.Contains(got.Text, "6000.00") {
		t.Fatalf("unexpected text %q", got.Text)
	}
}

func TestTelegramSinkReportsBotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok": false, "description": "chat not found"}`))
	}))
	defer srv.Close()

	sink, _ := NewTelegramSink(nil, TelegramOptions{BaseURL: srv.URL, Token: "T", ChatID: "1"}, time.UTC)
	if err := sink.Write(context.Background(), snapshot(1, 1, 0)); err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected bot error, got %v", err)
	}
}

func TestTelegramSinkRequiresCredentials(t *testing.T) {
	if _, err := NewTelegramSink(nil, TelegramOptions{Token: "T"}, nil); !models.IsConfigError(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
