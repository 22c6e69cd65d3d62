package clickhouse

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(ClientConfig{
		Host: "ch", Port: 9000, Database: "folio", User: "u", Password: "p@ss",
		DialTimeout: 5 * time.Second, MaxExecTime: 30 * time.Second,
	})
	if !strings.HasPrefix(dsn, "clickhouse://u:p%40ss@ch:9000/folio?") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if !strings.Contains(dsn, "dial_timeout=5s") || !strings.Contains(dsn, "max_execution_time=30") {
		t.Fatalf("settings missing from %s", dsn)
	}
}

func TestBuildDSNHTTP(t *testing.T) {
	dsn := buildDSN(ClientConfig{Host: "ch", Port: 8123, Database: "default", UseHTTP: true})
	if !strings.HasPrefix(dsn, "http://") {
		t.Fatalf("expected http scheme, got %s", dsn)
	}
}

func TestNewClientRequiresHost(t *testing.T) {
	if _, err := NewClient(context.Background()); err == nil {
		t.Fatalf("expected error without host")
	}
}
