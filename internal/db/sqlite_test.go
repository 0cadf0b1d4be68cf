package db

import (
	"context"
	"testing"

	"sql-proxy/internal/config"
)

func TestSQLiteDriverInMemoryReadWrite(t *testing.T) {
	drv, err := NewSQLiteDriver(memConn("test"))
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer drv.Close()

	if drv.IsReadOnly() {
		t.Error("expected read-write driver")
	}

	ctx := context.Background()
	sess := DefaultSessionOptions()

	if _, err := drv.Exec(ctx, sess, "CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)", nil); err != nil {
		t.Fatalf("create table: %v", err)
	}
	n, err := drv.Exec(ctx, sess, "INSERT INTO widgets (id, name) VALUES (@id, @name)", map[string]any{"id": 1, "name": "bolt"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n.RowsAffected != 1 {
		t.Errorf("expected 1 row affected, got %d", n.RowsAffected)
	}

	rows, err := drv.Query(ctx, sess, "SELECT id, name FROM widgets WHERE id = @id", map[string]any{"id": 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "bolt" {
		t.Errorf("unexpected rows: %+v", rows)
	}
}

func TestSQLiteDriverMissingPath(t *testing.T) {
	cfg := &config.Connection{Name: "test", Properties: map[string]string{"driver": "sqlite"}}
	_, err := NewSQLiteDriver(cfg)
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestSQLiteAttachCatalog(t *testing.T) {
	drv, err := NewSQLiteDriver(memConn("primary"))
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer drv.Close()

	if err := drv.AttachCatalog(context.Background(), "cache", ":memory:"); err != nil {
		t.Fatalf("attach catalog: %v", err)
	}
}

func TestSQLiteDriverInitScript(t *testing.T) {
	cfg := &config.Connection{
		Name: "seeded",
		Properties: map[string]string{"driver": "sqlite", "path": ":memory:"},
		Init: "CREATE TABLE seeded_once (id INTEGER)",
	}
	drv, err := NewSQLiteDriver(cfg)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer drv.Close()

	if _, err := drv.Query(context.Background(), DefaultSessionOptions(), "SELECT * FROM seeded_once", nil); err != nil {
		t.Errorf("init script table not present: %v", err)
	}
}

func TestOpenCacheCatalog(t *testing.T) {
	drv, err := OpenCacheCatalog(":memory:")
	if err != nil {
		t.Fatalf("open cache catalog: %v", err)
	}
	defer drv.Close()
	if drv.Name() != "cache" {
		t.Errorf("expected name 'cache', got %s", drv.Name())
	}
}
