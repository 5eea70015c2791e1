// Package store is the gateway to the document store. All multi-id reads and
// bulk writes go through it so the store's operational limits are enforced in
// one place: reads are chunked because an IN query accepts at most 10 ids,
// and bulk writes are committed in batches below the store's 500-operation
// ceiling.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/models"
)

const (
	// ReadChunkSize is the maximum number of ids per IN query
	ReadChunkSize = 10

	// MaxBatchOps keeps committed batches safely under the store's
	// 500-operation ceiling
	MaxBatchOps = 450
)

// Gateway mediates access to the document store
type Gateway struct {
	db     *sql.DB
	logger logging.Logger
}

// NewGateway creates a store gateway
func NewGateway(db *sql.DB, logger logging.Logger) *Gateway {
	return &Gateway{db: db, logger: logger}
}

// DB exposes the underlying handle for single-document operations
func (g *Gateway) DB() *sql.DB {
	return g.db
}

// chunkIDs splits ids into slices of at most ReadChunkSize
func chunkIDs(ids []string) [][]string {
	var chunks [][]string
	for len(ids) > 0 {
		n := ReadChunkSize
		if len(ids) < n {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

// UsersByIDs fetches user documents for the given ids, issuing one chunked
// query per ReadChunkSize ids. Missing ids are simply absent from the result.
func (g *Gateway) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	users := make(map[string]models.User, len(ids))

	for _, chunk := range chunkIDs(ids) {
		rows, err := g.db.QueryContext(ctx, `
			SELECT id, COALESCE(email, ''), COALESCE(username, ''),
			       COALESCE(external_customer_id, ''), COALESCE(external_aliases, '{}')
			FROM app.users
			WHERE id = ANY($1)
		`, pq.Array(chunk))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch users chunk: %w", err)
		}

		for rows.Next() {
			var u models.User
			if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.ExternalCustomerID, pq.Array(&u.ExternalAliases)); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan user row: %w", err)
			}
			users[u.ID] = u
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read users chunk: %w", err)
		}
		rows.Close()
	}

	return users, nil
}

// UsersByCustomerIDs fetches user documents keyed by their external billing
// customer id, including historical aliases. Chunked like UsersByIDs.
func (g *Gateway) UsersByCustomerIDs(ctx context.Context, customerIDs []string) (map[string]models.User, error) {
	users := make(map[string]models.User, len(customerIDs))

	for _, chunk := range chunkIDs(customerIDs) {
		rows, err := g.db.QueryContext(ctx, `
			SELECT id, COALESCE(email, ''), COALESCE(username, ''),
			       COALESCE(external_customer_id, ''), COALESCE(external_aliases, '{}')
			FROM app.users
			WHERE external_customer_id = ANY($1) OR external_aliases && $1
		`, pq.Array(chunk))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch users by customer chunk: %w", err)
		}

		for rows.Next() {
			var u models.User
			if err := rows.Scan(&u.ID, &u.Email, &u.Username, &u.ExternalCustomerID, pq.Array(&u.ExternalAliases)); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan user row: %w", err)
			}
			if u.ExternalCustomerID != "" {
				users[u.ExternalCustomerID] = u
			}
			for _, alias := range u.ExternalAliases {
				users[alias] = u
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read users by customer chunk: %w", err)
		}
		rows.Close()
	}

	return users, nil
}

// BatchOp is a single write applied inside a batch transaction
type BatchOp func(tx *sql.Tx) error

// BatchWriter accumulates write operations and commits them in transactions
// of at most MaxBatchOps operations each. Adding the operation that would
// exceed the cap first commits the current batch and rotates to a fresh one.
type BatchWriter struct {
	gateway *Gateway
	ctx     context.Context
	pending []BatchOp
	batches int
	ops     int
}

// NewBatchWriter creates a batch writer bound to a context
func (g *Gateway) NewBatchWriter(ctx context.Context) *BatchWriter {
	return &BatchWriter{gateway: g, ctx: ctx}
}

// Add queues one write operation, rotating the batch at the cap
func (w *BatchWriter) Add(op BatchOp) error {
	if len(w.pending) >= MaxBatchOps {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.pending = append(w.pending, op)
	w.ops++
	return nil
}

// Flush commits all pending operations in one transaction. A flush with no
// pending operations is a no-op.
func (w *BatchWriter) Flush() error {
	if len(w.pending) == 0 {
		return nil
	}

	tx, err := w.gateway.db.BeginTx(w.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, op := range w.pending {
		if err := op(tx); err != nil {
			return fmt.Errorf("batch operation failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	w.gateway.logger.WithFields(logging.Fields{
		"operations": len(w.pending),
		"batch":      w.batches + 1,
	}).Debug("Committed store batch")

	w.pending = w.pending[:0]
	w.batches++
	return nil
}

// Batches returns the number of committed batches
func (w *BatchWriter) Batches() int {
	return w.batches
}

// Ops returns the total number of operations added
func (w *BatchWriter) Ops() int {
	return w.ops
}
