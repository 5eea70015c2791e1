package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"fitworks/api_escrow/pkg/logging"
)

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	g := NewGateway(db, logging.NewLogger())
	return g, mock, func() { db.Close() }
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, 25)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	chunks := chunkIDs(ids)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 25 ids, got %d", len(chunks))
	}
	if len(chunks[0]) != 10 || len(chunks[1]) != 10 || len(chunks[2]) != 5 {
		t.Fatalf("unexpected chunk sizes: %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if chunks := chunkIDs(nil); chunks != nil {
		t.Fatalf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestUsersByIDsIssuesOneQueryPerChunk(t *testing.T) {
	g, mock, closeFn := newMockGateway(t)
	defer closeFn()

	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}

	// 12 ids cross the 10-id query limit, so two queries
	mock.ExpectQuery(`SELECT id, .* FROM app\.users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "username", "external_customer_id", "external_aliases"}).
			AddRow("user-0", "u0@fitworks.app", "u0", "cus_0", "{}").
			AddRow("user-1", "u1@fitworks.app", "u1", "", "{cus_old}"))
	mock.ExpectQuery(`SELECT id, .* FROM app\.users`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "username", "external_customer_id", "external_aliases"}).
			AddRow("user-11", "u11@fitworks.app", "u11", "cus_11", "{}"))

	users, err := g.UsersByIDs(context.Background(), ids)
	if err != nil {
		t.Fatalf("UsersByIDs failed: %v", err)
	}
	if len(users) != 3 {
		t.Fatalf("expected 3 users, got %d", len(users))
	}
	if users["user-1"].ExternalAliases[0] != "cus_old" {
		t.Fatalf("aliases not scanned: %+v", users["user-1"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBatchWriterRotatesAtCap(t *testing.T) {
	g, mock, closeFn := newMockGateway(t)
	defer closeFn()

	const total = 1200

	// 1200 operations must land in at least 3 batches of at most 450 each
	for _, size := range []int{450, 450, 300} {
		mock.ExpectBegin()
		for i := 0; i < size; i++ {
			mock.ExpectExec(`UPDATE app\.users`).WillReturnResult(sqlmock.NewResult(0, 1))
		}
		mock.ExpectCommit()
	}

	w := g.NewBatchWriter(context.Background())
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("user-%d", i)
		err := w.Add(func(tx *sql.Tx) error {
			_, err := tx.Exec(`UPDATE app.users SET username = $1 WHERE id = $2`, "fixed", id)
			return err
		})
		if err != nil {
			t.Fatalf("Add failed at op %d: %v", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}

	if w.Batches() != 3 {
		t.Fatalf("expected 3 batches for %d ops, got %d", total, w.Batches())
	}
	if w.Ops() != total {
		t.Fatalf("expected %d ops recorded, got %d", total, w.Ops())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBatchWriterEmptyFlushIsNoop(t *testing.T) {
	g, mock, closeFn := newMockGateway(t)
	defer closeFn()

	w := g.NewBatchWriter(context.Background())
	if err := w.Flush(); err != nil {
		t.Fatalf("empty flush failed: %v", err)
	}
	if w.Batches() != 0 {
		t.Fatalf("empty flush committed a batch")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
