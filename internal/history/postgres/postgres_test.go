package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/cdathome/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	rec := history.Record{
		Name:      "workload",
		PID:       12345,
		StartedAt: time.Now().UTC(),
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Session: "pg", Record: rec}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	rec.Commits = []string{"c2", "c1"}
	if err := sink.Send(ctx, history.Event{Type: history.EventRestart, OccurredAt: time.Now().UTC(), Session: "pg", Record: rec}); err != nil {
		t.Fatalf("Failed to send restart event: %v", err)
	}

	rec.StoppedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	rec.ExitErr = sql.NullString{String: "exit status 1", Valid: true}
	rec.ExitCode = 1
	if err := sink.Send(ctx, history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Session: "pg", Record: rec}); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdathome_history WHERE session = $1", "pg").Scan(&count); err != nil {
		t.Fatalf("Failed to query cdathome_history: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 events in history, got %d", count)
	}

	var n int
	if err := sink.db.QueryRowContext(ctx,
		"SELECT cardinality(commits) FROM cdathome_history WHERE event = 'restart'").Scan(&n); err != nil {
		t.Fatalf("Failed to query commits: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 commits on restart event, got %d", n)
	}
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
