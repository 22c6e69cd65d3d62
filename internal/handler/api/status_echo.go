// Package api exposes the aggregator over HTTP.
package api

import (
	"time"

	"FolioPull/internal/domain/models"
	drepo "FolioPull/internal/domain/repository"
	mid "FolioPull/internal/middleware"
	"FolioPull/internal/usecase"
	xhttp "FolioPull/pkg/http"
	xlogger "FolioPull/pkg/logger"

	"github.com/labstack/echo/v4"
)

// AggregatorView is the read side of the aggregator.
type AggregatorView interface {
	Phase() usecase.Phase
	Statuses() []models.SourceStatus
	LastDecision() usecase.Decision
	LastSnapshot() *models.MergedSnapshot
	LastEmission() (time.Time, bool)
}

// SinkStats reports per-sink queue counters.
type SinkStats interface {
	Stats() map[string]mid.QueueStats
}

type readinessResponse struct {
	Phase        usecase.Phase             `json:"phase"`
	Decision     usecase.Decision          `json:"decision"`
	LastEmission *time.Time                `json:"last_emission,omitempty"`
	Sinks        map[string]mid.QueueStats `json:"sinks,omitempty"`
}

// StatusEchoHandler serves source, readiness and snapshot status.
type StatusEchoHandler struct {
	logger  *xlogger.Logger
	agg     AggregatorView
	sinks   SinkStats
	archive drepo.SnapshotReader
	loc     *time.Location
	limit   echo.MiddlewareFunc
}

// NewStatusEchoHandler builds the handler. archive and limit may be nil.
func NewStatusEchoHandler(logger *xlogger.Logger, agg AggregatorView, sinks SinkStats, archive drepo.SnapshotReader, loc *time.Location, limit echo.MiddlewareFunc) *StatusEchoHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &StatusEchoHandler{logger: logger, agg: agg, sinks: sinks, archive: archive, loc: loc, limit: limit}
}

func (h *StatusEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	if h.limit != nil {
		g.Use(h.limit)
	}
	g.GET("/sources", h.Sources)
	g.GET("/readiness", h.Readiness)
	g.GET("/snapshot/latest", h.LatestSnapshot)
	g.GET("/snapshots", h.RecentSnapshots)
}

func (h *StatusEchoHandler) Sources(c echo.Context) error {
	req := &models.SourcesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	statuses := h.agg.Statuses()
	if req.OnlyStale {
		stale := statuses[:0:0]
		for _, s := range statuses {
			if s.Stale || !s.Recorded {
				stale = append(stale, s)
			}
		}
		statuses = stale
	}
	return xhttp.ListResponse(c, statuses, int64(len(statuses)))
}

func (h *StatusEchoHandler) Readiness(c echo.Context) error {
	res := readinessResponse{Phase: h.agg.Phase(), Decision: h.agg.LastDecision()}
	if at, ok := h.agg.LastEmission(); ok {
		res.LastEmission = &at
	}
	if h.sinks != nil {
		res.Sinks = h.sinks.Stats()
	}
	return xhttp.SuccessResponse(c, res)
}

// LatestSnapshot returns the last emitted snapshot as the sink payload
// (format=payload) or the full model (format=full).
func (h *StatusEchoHandler) LatestSnapshot(c echo.Context) error {
	req := &models.LatestSnapshotRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	snap := h.agg.LastSnapshot()
	if snap == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no snapshot emitted yet"))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	if req.Format == "full" {
		return xhttp.SuccessResponse(c, snap)
	}
	return xhttp.SuccessResponse(c, snap.ToPayload(h.loc))
}

func (h *StatusEchoHandler) RecentSnapshots(c echo.Context) error {
	req := &models.RecentSnapshotsRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	if h.archive == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("snapshot archive is not configured"))
	}
	snaps, err := h.archive.Recent(c.Request().Context(), req.Limit)
	if err != nil {
		h.logger.Error("read snapshot archive", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.InternalError("snapshot archive unavailable").WithError(err))
	}
	payloads := make([]models.SinkPayload, 0, len(snaps))
	for _, s := range snaps {
		payloads = append(payloads, s.ToPayload(h.loc))
	}
	return xhttp.ListResponse(c, payloads, int64(len(payloads)))
}
