package pgstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/ashureev/sessionkeeper/internal/store/storetest"
)

const dsnEnv = "SESSIONKEEPER_TEST_POSTGRES_DSN"

func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}
	return dsn
}

// newSchema creates an isolated schema for one test and drops it afterwards.
func newSchema(t *testing.T, dsn string) string {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close(ctx)

	schema := "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := conn.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		conn, err := pgx.Connect(context.Background(), dsn)
		if err != nil {
			t.Logf("connect for cleanup: %v", err)
			return
		}
		defer conn.Close(context.Background())
		if _, err := conn.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
	})
	return schema
}

func openInSchema(t *testing.T, dsn, schema string, opts ...store.Option) *Store {
	t.Helper()
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	config.ConnConfig.RuntimeParams["search_path"] = schema

	s, err := NewWithConfig(context.Background(), config, opts...)
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	dsn := testDSN(t)
	storetest.Run(t, storetest.Backend{
		NewLocation: func(t *testing.T) string { return newSchema(t, dsn) },
		Open: func(t *testing.T, loc string, opts ...store.Option) store.Repository {
			return openInSchema(t, dsn, loc, opts...)
		},
	})
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), ""); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("New(\"\") error = %v, want ErrValidation", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, store.ErrDuplicateKey},
		{"foreign key", &pgconn.PgError{Code: "23503"}, store.ErrNotFound},
		{"other constraint", &pgconn.PgError{Code: "23514"}, store.ErrStorageUnavailable},
		{"connection", errors.New("connection refused"), store.ErrStorageUnavailable},
		{"already kinded", store.ErrNotFound, store.ErrNotFound},
	}
	for _, tt := range tests {
		if got := classify("op", tt.err); !errors.Is(got, tt.want) {
			t.Errorf("classify(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}
