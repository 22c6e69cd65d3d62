package models

// Requests for status HTTP endpoints.

type LatestSnapshotRequest struct {
	Format string `query:"format" json:"format" default:"payload" validate:"oneof=payload full"`
}

type SourcesRequest struct {
	OnlyStale bool `query:"stale" json:"stale"`
}

type RecentSnapshotsRequest struct {
	Limit int `query:"limit" json:"limit" default:"20" validate:"min=1,max=500"`
}
