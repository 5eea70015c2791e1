package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"

	"fitworks/api_escrow/pkg/api/bursar"
)

func performBackfill(t *testing.T, path string, req interface{}) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/admin/backfill/subscription-fields", RunSubscriptionFieldsBackfill)
	r.POST("/admin/backfill/aliases", RunAliasBackfill)

	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	return w
}

func candidateRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "external_customer_id", "username", "user_email"})
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "username", "external_customer_id", "external_aliases"})
}

func TestSubscriptionFieldsBackfillFillsOnlyMissing(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery(`FROM bursar\.subscription_records`).
		WithArgs(5).
		WillReturnRows(candidateRows().
			AddRow("rec_1", "user_a", "", "", "").
			AddRow("rec_2", "", "cus_b", "", "").
			AddRow("rec_3", "user_c", "", "climber", "").
			AddRow("rec_4", "", "cus_missing", "", "").
			AddRow("rec_5", "user_a", "", "", "old@fitworks.app"))

	mock.ExpectQuery(`WHERE id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"user_a", "user_c", "user_a"})).
		WillReturnRows(userRows().
			AddRow("user_a", "runner@fitworks.app", "runner", "cus_a", "{}").
			AddRow("user_c", "", "climber", "", "{}"))

	// cus_b only matches through a historical alias
	mock.ExpectQuery(`external_customer_id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"cus_b", "cus_missing"})).
		WillReturnRows(userRows().
			AddRow("user_b", "", "", "cus_b_new", "{cus_b}"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bursar\.subscription_records`).
		WithArgs("user_a", "runner", "runner@fitworks.app", "rec_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar\.subscription_records`).
		WithArgs("user_b", "", "", "rec_2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bursar\.subscription_records`).
		WithArgs("user_a", "runner", "runner@fitworks.app", "rec_5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := performBackfill(t, "/admin/backfill/subscription-fields", bursar.BackfillRequest{Limit: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var report bursar.BackfillReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	if report.Scanned != 5 {
		t.Fatalf("expected 5 scanned, got %d", report.Scanned)
	}
	if report.Processed != 5 {
		t.Fatalf("expected 5 processed, got %d", report.Processed)
	}
	if report.UniqueUserIDs != 2 {
		t.Fatalf("expected 2 unique owners (user_a twice), got %d", report.UniqueUserIDs)
	}
	if report.Updated != 3 {
		t.Fatalf("expected 3 updated, got %d", report.Updated)
	}
	if report.UpdatedUserIDOnly != 1 {
		t.Fatalf("expected 1 updated with user id only, got %d", report.UpdatedUserIDOnly)
	}
	if report.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", report.Skipped)
	}
	if report.NotFound != 1 {
		t.Fatalf("expected 1 not found, got %d", report.NotFound)
	}
	if report.Batches != 1 {
		t.Fatalf("expected 1 batch, got %d", report.Batches)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscriptionFieldsBackfillDryRunWritesNothing(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery(`FROM bursar\.subscription_records`).
		WithArgs(defaultBackfillLimit).
		WillReturnRows(candidateRows().
			AddRow("rec_1", "user_a", "", "", ""))

	mock.ExpectQuery(`WHERE id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"user_a"})).
		WillReturnRows(userRows().
			AddRow("user_a", "runner@fitworks.app", "runner", "cus_a", "{}"))

	w := performBackfill(t, "/admin/backfill/subscription-fields", bursar.BackfillRequest{DryRun: true})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var report bursar.BackfillReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	if !report.DryRun || report.Updated != 1 || report.Batches != 0 {
		t.Fatalf("dry run must count without writing, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("dry run issued writes: %v", err)
	}
}

func TestSubscriptionFieldsBackfillRerunIsNoop(t *testing.T) {
	mock := setupHandlerTest(t)

	// a record already repaired as far as its owner allows stays skipped on
	// every subsequent run, with no write issued
	mock.ExpectQuery(`FROM bursar\.subscription_records`).
		WithArgs(defaultBackfillLimit).
		WillReturnRows(candidateRows().
			AddRow("rec_1", "user_a", "", "runner", ""))

	mock.ExpectQuery(`WHERE id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"user_a"})).
		WillReturnRows(userRows().
			AddRow("user_a", "", "runner", "cus_a", "{}"))

	w := performBackfill(t, "/admin/backfill/subscription-fields", bursar.BackfillRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var report bursar.BackfillReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse report: %v", err)
	}
	if report.Updated != 0 || report.Skipped != 1 || report.Batches != 0 {
		t.Fatalf("rerun must not write, got %+v", report)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("rerun issued writes: %v", err)
	}
}

func TestSubscriptionFieldsBackfillClampsLimit(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery(`FROM bursar\.subscription_records`).
		WithArgs(maxBackfillLimit).
		WillReturnRows(candidateRows())

	w := performBackfill(t, "/admin/backfill/subscription-fields", bursar.BackfillRequest{Limit: 5000})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestParseAliasCSV(t *testing.T) {
	entries, err := parseAliasCSV("userId,externalCustomerId,email,username\r\nuser_1,cus_1,one@fitworks.app,one\nuser_2,cus_2\n\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].UserID != "user_1" || entries[0].Email != "one@fitworks.app" || entries[0].Username != "one" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].UserID != "user_2" || entries[1].ExternalCustomerID != "cus_2" || entries[1].Email != "" {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}

	if _, err := parseAliasCSV("justoneid"); err == nil {
		t.Fatal("expected error for row without a customer id")
	}
}

func TestAliasBackfillCSVNormalization(t *testing.T) {
	setupHandlerTest(t)

	w := performBackfill(t, "/admin/backfill/aliases", bursar.AliasBackfillRequest{
		CSV:    "userId,externalCustomerId\nuser_1,cus_1\nuser_2,cus_2",
		DryRun: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	var resp bursar.AliasBackfillResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Processed != 2 || resp.Updated != 2 {
		t.Fatalf("csv rows must behave like structured entries, got %+v", resp)
	}
}

func TestAliasBackfillPartialSuccess(t *testing.T) {
	mock := setupHandlerTest(t)
	stubSubscriptions(t, nil, nil)

	// first entry succeeds end to end: alias merge, sync no-op, legacy fold
	mock.ExpectExec(`UPDATE app\.users`).
		WithArgs(pq.Array([]string{"cus_1"}), "cus_1", "", "", "user_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(external_customer_id, ''\)`).
		WithArgs("user_1").
		WillReturnRows(sqlmock.NewRows([]string{"external_customer_id", "username", "email"}).
			AddRow("", "runner", "runner@fitworks.app"))
	mock.ExpectExec(`legacy_expires_at IS NOT NULL`).
		WithArgs("user_1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// second entry targets an unknown user
	mock.ExpectExec(`UPDATE app\.users`).
		WithArgs(pq.Array([]string{"cus_2"}), "cus_2", "", "", "user_missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := performBackfill(t, "/admin/backfill/aliases", bursar.AliasBackfillRequest{
		Entries: []bursar.AliasBackfillEntry{
			{UserID: "user_1", ExternalCustomerID: "cus_1"},
			{UserID: "user_missing", ExternalCustomerID: "cus_2"},
			{ExternalCustomerID: "cus_orphan"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("partial failure must still be 200, got %d (%s)", w.Code, w.Body.String())
	}

	var resp bursar.AliasBackfillResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Processed != 3 || resp.Updated != 1 || resp.Failed != 2 {
		t.Fatalf("unexpected totals: %+v", resp)
	}
	if resp.Results[0].Status != "updated" {
		t.Fatalf("expected first entry updated, got %+v", resp.Results[0])
	}
	if resp.Results[1].Status != "failed" || resp.Results[1].Detail == "" {
		t.Fatalf("expected second entry failed with detail, got %+v", resp.Results[1])
	}
	if resp.Results[2].Status != "failed" {
		t.Fatalf("entry without user id must fail validation, got %+v", resp.Results[2])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAliasBackfillRequiresEntries(t *testing.T) {
	setupHandlerTest(t)

	w := performBackfill(t, "/admin/backfill/aliases", bursar.AliasBackfillRequest{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without entries or csv, got %d", w.Code)
	}
}
