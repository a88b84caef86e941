package storage

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// testContext returns a context that ends with the test, bounded to 10s
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// migrationsDir resolves migrations/<backend> from this source file
func migrationsDir(t *testing.T, backend string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot locate migrations directory")
	}
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations", backend)
}
