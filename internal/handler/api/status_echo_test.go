package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"FolioPull/internal/domain/models"
	mid "FolioPull/internal/middleware"
	"FolioPull/internal/usecase"
	xlogger "FolioPull/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type fakeView struct {
	snap     *models.MergedSnapshot
	statuses []models.SourceStatus
}

func (f *fakeView) Phase() usecase.Phase { return usecase.PhaseAccumulating }
func (f *fakeView) Statuses() []models.SourceStatus {
	return f.statuses
}
func (f *fakeView) LastDecision() usecase.Decision {
	return usecase.Decision{Ready: false, Reason: "waiting", Missing: []string{"ib"}}
}
func (f *fakeView) LastSnapshot() *models.MergedSnapshot { return f.snap }
func (f *fakeView) LastEmission() (time.Time, bool) {
	if f.snap == nil {
		return time.Time{}, false
	}
	return f.snap.Date, true
}

type fakeStats map[string]mid.QueueStats

func (f fakeStats) Stats() map[string]mid.QueueStats { return f }

type fakeArchive struct {
	snaps []*models.MergedSnapshot
	err   error
	limit int
}

func (f *fakeArchive) Recent(_ context.Context, limit int) ([]*models.MergedSnapshot, error) {
	f.limit = limit
	return f.snaps, f.err
}

func testSnap() *models.MergedSnapshot {
	return &models.MergedSnapshot{
		ID:       uuid.New(),
		Date:     time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC),
		NetLiq:   decimal.NewFromInt(6000),
		Balances: map[string]decimal.Decimal{"binance": decimal.NewFromInt(1000), "ib": decimal.NewFromInt(5000)},
	}
}

func serve(t *testing.T, h *StatusEchoHandler, target string) (int, map[string]interface{}) {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not json: %v (%s)", err, rec.Body.String())
	}
	return rec.Code, body
}

func TestLatestSnapshotNotYetEmitted(t *testing.T) {
	h := NewStatusEchoHandler(xlogger.Nop(), &fakeView{}, nil, nil, nil, nil)
	code, _ := serve(t, h, "/api/snapshot/latest")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestLatestSnapshotPayloadFormat(t *testing.T) {
	h := NewStatusEchoHandler(xlogger.Nop(), &fakeView{snap: testSnap()}, nil, nil, time.UTC, nil)
	code, body := serve(t, h, "/api/snapshot/latest")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	data := body["data"].(map[string]interface{})
	if data["netliq"] != float64(6000) || data["ib"] != float64(5000) || data["date"] != "2024-03-01 21:00:00" {
		t.Fatalf("unexpected payload %v", data)
	}

	_, body = serve(t, h, "/api/snapshot/latest?format=full")
	data = body["data"].(map[string]interface{})
	if _, ok := data["balances"]; !ok {
		t.Fatalf("full format should include the balances map, got %v", data)
	}
}

func TestLatestSnapshotRejectsUnknownFormat(t *testing.T) {
	h := NewStatusEchoHandler(xlogger.Nop(), &fakeView{snap: testSnap()}, nil, nil, nil, nil)
	code, body := serve(t, h, "/api/snapshot/latest?format=csv")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	errs := body["data"].([]interface{})
	first := errs[0].(map[string]interface{})
	if first["field"] != "format" || first["code"] != "ERR_ONEOF" {
		t.Fatalf("unexpected validation error %v", first)
	}
}

func TestSourcesOnlyStale(t *testing.T) {
	view := &fakeView{statuses: []models.SourceStatus{
		{SourceState: models.SourceState{SourceID: "binance"}, Recorded: true},
		{SourceState: models.SourceState{SourceID: "ib"}, Recorded: true, Stale: true, ConsecutiveFailures: 3},
		{SourceState: models.SourceState{SourceID: "bank"}},
	}}
	h := NewStatusEchoHandler(xlogger.Nop(), view, nil, nil, nil, nil)

	_, body := serve(t, h, "/api/sources")
	if total := body["data"].(map[string]interface{})["total"]; total != float64(3) {
		t.Fatalf("expected 3 sources, got %v", total)
	}
	_, body = serve(t, h, "/api/sources?stale=true")
	if total := body["data"].(map[string]interface{})["total"]; total != float64(2) {
		t.Fatalf("expected 2 stale or unrecorded sources, got %v", total)
	}
	if len(view.statuses) != 3 || view.statuses[1].SourceID != "ib" {
		t.Fatalf("filter must not modify the view's slice")
	}
}

func TestReadinessIncludesSinkStats(t *testing.T) {
	h := NewStatusEchoHandler(xlogger.Nop(), &fakeView{}, fakeStats{"s3": {Pending: 2, Dropped: 1}}, nil, nil, nil)
	_, body := serve(t, h, "/api/readiness")
	data := body["data"].(map[string]interface{})
	if data["phase"] != string(usecase.PhaseAccumulating) {
		t.Fatalf("unexpected phase %v", data["phase"])
	}
	if _, ok := data["last_emission"]; ok {
		t.Fatalf("no emission yet, got %v", data["last_emission"])
	}
	sinks := data["sinks"].(map[string]interface{})
	if sinks["s3"].(map[string]interface{})["pending"] != float64(2) {
		t.Fatalf("unexpected sinks %v", sinks)
	}
}

func TestRecentSnapshots(t *testing.T) {
	h := NewStatusEchoHandler(xlogger.Nop(), &fakeView{}, nil, nil, nil, nil)
	if code, _ := serve(t, h, "/api/snapshots"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", code)
	}

	archive := &fakeArchive{snaps: []*models.MergedSnapshot{testSnap(), testSnap()}}
	h = NewStatusEchoHandler(xlogger.Nop(), &fakeView{}, nil, archive, nil, nil)
	code, body := serve(t, h, "/api/snapshots?limit=5")
	if code != http.StatusOK || archive.limit != 5 {
		t.Fatalf("unexpected code %d limit %d", code, archive.limit)
	}
	if total := body["data"].(map[string]interface{})["total"]; total != float64(2) {
		t.Fatalf("unexpected total %v", total)
	}

	if code, _ := serve(t, h, "/api/snapshots?limit=0"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit=0, got %d", code)
	}

	archive.err = errors.New("clickhouse down")
	if code, _ := serve(t, h, "/api/snapshots"); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestSnapshotStreamBroadcasts(t *testing.T) {
	stream := NewSnapshotStream(xlogger.Nop(), time.UTC, 4)
	e := echo.New()
	stream.RegisterRoutes(e)
	srv := httptest.NewServer(e)
	defer srv.Close()

	_ = stream.Write(context.Background(), testSnap())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/snapshots"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first map[string]interface{}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if first["netliq"] != float64(6000) {
		t.Fatalf("unexpected replayed payload %v", first)
	}

	next := testSnap()
	next.NetLiq = decimal.NewFromInt(7000)
	_ = stream.Write(context.Background(), next)
	var second map[string]interface{}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if second["netliq"] != float64(7000) {
		t.Fatalf("unexpected broadcast payload %v", second)
	}

	_ = stream.Close()
	if err := stream.Write(context.Background(), next); err == nil {
		t.Fatalf("write after close should fail")
	}
}
