package db

import (
	"strings"
	"testing"

	"sql-proxy/internal/config"
)

func memConn(name string) *config.Connection {
	return &config.Connection{Name: name, Properties: map[string]string{
		"driver": "sqlite", "path": ":memory:", "readonly": "false",
	}}
}

func TestNewDriver_SQLite(t *testing.T) {
	drv, err := NewDriver(memConn("test"))
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer drv.Close()

	if drv.Type() != "sqlite" {
		t.Errorf("expected type sqlite, got %s", drv.Type())
	}
	if drv.Name() != "test" {
		t.Errorf("expected name test, got %s", drv.Name())
	}
	if _, ok := drv.(*SQLiteDriver); !ok {
		t.Error("expected *SQLiteDriver")
	}
}

func TestNewDriver_UnknownDriverReturnsError(t *testing.T) {
	cfg := &config.Connection{Name: "test", Properties: map[string]string{"driver": "oracle"}}
	_, err := NewDriver(cfg)
	if err == nil || !strings.Contains(err.Error(), "unknown database driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestNewDriver_MySQLNotImplemented(t *testing.T) {
	cfg := &config.Connection{Name: "test", Properties: map[string]string{"driver": "mysql"}}
	_, err := NewDriver(cfg)
	if err == nil || !strings.Contains(err.Error(), "not yet implemented") {
		t.Errorf("expected not-implemented error, got %v", err)
	}
}

func TestNewDriver_DefaultsToSQLServer(t *testing.T) {
	cfg := &config.Connection{Name: "test", Properties: map[string]string{"host": "db.example.com"}}
	_, err := NewDriver(cfg)
	// Dialing a real SQL Server isn't available in this environment; we only
	// care that the factory picked the sqlserver branch, evidenced by a
	// connection/ping failure rather than an "unknown driver" error.
	if err == nil {
		t.Fatal("expected a connection error against a nonexistent server")
	}
	if strings.Contains(err.Error(), "unknown database driver") {
		t.Errorf("driver should have defaulted to sqlserver, got: %v", err)
	}
}
