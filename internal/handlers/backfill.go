package handlers

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	"fitworks/api_escrow/internal/billing"
	"fitworks/api_escrow/pkg/api/bursar"
	"fitworks/api_escrow/pkg/logging"
	"fitworks/api_escrow/pkg/models"
)

const (
	defaultBackfillLimit = 1000
	maxBackfillLimit     = 2000
)

// RunSubscriptionFieldsBackfill handles POST /admin/backfill/subscription-fields.
// It repairs subscription records whose user linkage fields drifted empty.
func RunSubscriptionFieldsBackfill(c *gin.Context) {
	var req bursar.BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	report, err := backfillSubscriptionFields(c.Request.Context(), limit, req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// subscriptionFieldsCandidate is one page row of the repair scan
type subscriptionFieldsCandidate struct {
	recordID   string
	userID     string
	customerID string
	username   string
	userEmail  string
}

// backfillSubscriptionFields scans one bounded page of subscription records
// missing user linkage, resolves owners through the store gateway's chunked
// lookups, and fills only the fields that are currently empty. Writes go
// through the batch writer so a large page never exceeds the store's batch
// ceiling.
func backfillSubscriptionFields(ctx context.Context, limit int, dryRun bool) (*bursar.BackfillReport, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, COALESCE(user_id, ''), COALESCE(external_customer_id, ''),
		       COALESCE(username, ''), COALESCE(user_email, '')
		FROM bursar.subscription_records
		WHERE user_id = '' OR username = '' OR user_email = ''
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription records: %w", err)
	}
	defer rows.Close()

	var candidates []subscriptionFieldsCandidate
	for rows.Next() {
		var cand subscriptionFieldsCandidate
		if err := rows.Scan(&cand.recordID, &cand.userID, &cand.customerID, &cand.username, &cand.userEmail); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candidates: %w", err)
	}

	var userIDs, customerIDs []string
	for _, cand := range candidates {
		if cand.userID != "" {
			userIDs = append(userIDs, cand.userID)
		} else if cand.customerID != "" {
			customerIDs = append(customerIDs, cand.customerID)
		}
	}

	usersByID, err := gateway.UsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	usersByCustomer, err := gateway.UsersByCustomerIDs(ctx, customerIDs)
	if err != nil {
		return nil, err
	}

	report := &bursar.BackfillReport{Scanned: len(candidates), DryRun: dryRun}
	writer := gateway.NewBatchWriter(ctx)
	updatedOwners := make(map[string]struct{})

	for _, cand := range candidates {
		var owner models.User
		var found bool
		if cand.userID != "" {
			owner, found = usersByID[cand.userID]
		} else if cand.customerID != "" {
			owner, found = usersByCustomer[cand.customerID]
		}
		if cand.userID != "" || cand.customerID != "" {
			report.Processed++
		}
		if !found {
			report.NotFound++
			continue
		}

		fillUserID := cand.userID == "" && owner.ID != ""
		fillUsername := cand.username == "" && owner.Username != ""
		fillEmail := cand.userEmail == "" && owner.Email != ""

		if !fillUserID && !fillUsername && !fillEmail {
			report.Skipped++
			continue
		}

		report.Updated++
		updatedOwners[owner.ID] = struct{}{}
		if fillUserID && !fillUsername && !fillEmail {
			report.UpdatedUserIDOnly++
		}

		if dryRun {
			continue
		}

		recordID := cand.recordID
		err := writer.Add(func(tx *sql.Tx) error {
			// Only ever set fields that are still empty at write time; a
			// record mutated concurrently keeps its live values
			_, err := tx.Exec(`
				UPDATE bursar.subscription_records
				SET user_id = CASE WHEN user_id = '' THEN $1 ELSE user_id END,
				    username = CASE WHEN username = '' THEN $2 ELSE username END,
				    user_email = CASE WHEN user_email = '' THEN $3 ELSE user_email END,
				    updated_at = NOW()
				WHERE id = $4
			`, owner.ID, owner.Username, owner.Email, recordID)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if !dryRun {
		if err := writer.Flush(); err != nil {
			return nil, err
		}
	}
	report.Batches = writer.Batches()
	report.UniqueUserIDs = len(updatedOwners)

	if metrics != nil && metrics.BackfillUpdates != nil {
		metrics.BackfillUpdates.WithLabelValues("subscription_fields").Add(float64(report.Updated))
	}

	logger.WithFields(logging.Fields{
		"scanned":         report.Scanned,
		"processed":       report.Processed,
		"unique_user_ids": report.UniqueUserIDs,
		"updated":         report.Updated,
		"skipped":         report.Skipped,
		"not_found":       report.NotFound,
		"batches":         report.Batches,
		"dry_run":         dryRun,
	}).Info("Subscription fields backfill completed")

	return report, nil
}

// RunAliasBackfill handles POST /admin/backfill/aliases. The payload is
// either a structured entry list or CSV text; both are normalized into the
// same entry list before any business logic runs.
func RunAliasBackfill(c *gin.Context) {
	var req bursar.AliasBackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, &ValidationError{Field: "body", Msg: err.Error()})
		return
	}

	entries := req.Entries
	if len(entries) == 0 && req.CSV != "" {
		var err error
		entries, err = parseAliasCSV(req.CSV)
		if err != nil {
			respondError(c, &ValidationError{Field: "csv", Msg: err.Error()})
			return
		}
	}
	if len(entries) == 0 {
		respondError(c, &ValidationError{Field: "entries", Msg: "entries or csv is required"})
		return
	}

	mode := billing.ResolveMode(c.GetHeader("Referer"))
	resp := processAliasBackfill(mode, entries, req.DryRun)
	c.JSON(http.StatusOK, resp)
}

// parseAliasCSV parses "userId,externalCustomerId,email,username" rows. A
// header row is tolerated and skipped.
func parseAliasCSV(text string) ([]bursar.AliasBackfillEntry, error) {
	var entries []bursar.AliasBackfillEntry

	for i, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		for j := range fields {
			fields[j] = strings.TrimSpace(fields[j])
		}
		if i == 0 && strings.EqualFold(fields[0], "userid") {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected at least userId and externalCustomerId", i+1)
		}

		entry := bursar.AliasBackfillEntry{
			UserID:             fields[0],
			ExternalCustomerID: fields[1],
		}
		if len(fields) > 2 {
			entry.Email = fields[2]
		}
		if len(fields) > 3 {
			entry.Username = fields[3]
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// processAliasBackfill applies entries one by one. A failed entry records
// its error and the batch continues; partial success is the expected outcome
// for bulk imports.
func processAliasBackfill(mode billing.Mode, entries []bursar.AliasBackfillEntry, dryRun bool) *bursar.AliasBackfillResponse {
	resp := &bursar.AliasBackfillResponse{
		Processed: len(entries),
		DryRun:    dryRun,
		Results:   make([]bursar.AliasBackfillResult, 0, len(entries)),
	}

	for _, entry := range entries {
		result := bursar.AliasBackfillResult{
			UserID:             entry.UserID,
			ExternalCustomerID: entry.ExternalCustomerID,
		}

		switch {
		case entry.UserID == "" || entry.ExternalCustomerID == "":
			result.Status = "failed"
			result.Detail = "userId and externalCustomerId are required"
			resp.Failed++
		case dryRun:
			result.Status = "updated"
			result.Detail = "dry run"
			resp.Updated++
		default:
			if err := applyAliasEntry(mode, entry); err != nil {
				result.Status = "failed"
				result.Detail = err.Error()
				resp.Failed++
				logger.WithError(err).WithField("user_id", entry.UserID).Warn("Alias backfill entry failed")
			} else {
				result.Status = "updated"
				resp.Updated++
			}
		}

		resp.Results = append(resp.Results, result)
	}

	if metrics != nil && metrics.BackfillUpdates != nil {
		metrics.BackfillUpdates.WithLabelValues("aliases").Add(float64(resp.Updated))
	}

	return resp
}

// applyAliasEntry merges the alias into the user document, then refreshes the
// user's subscription state and folds any legacy expiration
func applyAliasEntry(mode billing.Mode, entry bursar.AliasBackfillEntry) error {
	res, err := db.Exec(`
		UPDATE app.users
		SET external_aliases = (
			SELECT array_agg(DISTINCT a) FROM unnest(external_aliases || $1::text[]) AS a
		),
		    external_customer_id = CASE WHEN COALESCE(external_customer_id, '') = '' THEN $2 ELSE external_customer_id END,
		    email = CASE WHEN COALESCE(email, '') = '' THEN $3 ELSE email END,
		    username = CASE WHEN COALESCE(username, '') = '' THEN $4 ELSE username END
		WHERE id = $5
	`, pq.Array([]string{entry.ExternalCustomerID}), entry.ExternalCustomerID, entry.Email, entry.Username, entry.UserID)
	if err != nil {
		return fmt.Errorf("failed to merge alias: %w", err)
	}
	updated, _ := res.RowsAffected()
	if updated == 0 {
		return &NotFoundError{Kind: "user", ID: entry.UserID}
	}

	if _, err := syncSubscriptionState(mode, entry.UserID, ""); err != nil {
		return fmt.Errorf("subscription sync failed: %w", err)
	}
	if err := migrateExpirationHistory(entry.UserID); err != nil {
		return err
	}
	return nil
}
