package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"fitworks/api_escrow/pkg/api/bursar"
)

func TestEscrowRecordIDDeterministic(t *testing.T) {
	a := EscrowRecordID("pi_123")
	b := EscrowRecordID("pi_123")
	c := EscrowRecordID("pi_456")

	if a != b {
		t.Fatalf("same payment produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different payments produced the same id: %s", a)
	}
}

func TestCreateEscrowRecordDuplicatePayment(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec(`INSERT INTO bursar\.escrow_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := createEscrowRecord(EscrowDeposit{
		PaymentID:   "pi_dup",
		ChallengeID: "chal_1",
		Amount:      9000,
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionEscrowStatusFromHeld(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec(`UPDATE bursar\.escrow_records`).
		WithArgs("released", "rec_1", "held").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := transitionEscrowStatus("rec_1", "released"); err != nil {
		t.Fatalf("expected held->released to succeed, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionEscrowStatusRejectsNonHeld(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec(`UPDATE bursar\.escrow_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM bursar\.escrow_records`).
		WithArgs("rec_1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("refunded"))

	err := transitionEscrowStatus("rec_1", "released")
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError for refunded->released, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionEscrowStatusUnknownRecord(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectExec(`UPDATE bursar\.escrow_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM bursar\.escrow_records`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := transitionEscrowStatus("rec_missing", "refunded")
	var notFoundErr *NotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestTransitionEscrowStatusRejectsHeld(t *testing.T) {
	setupHandlerTest(t)

	err := transitionEscrowStatus("rec_1", "held")
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError for held target, got %v", err)
	}
}

func performPrizeEdit(t *testing.T, req bursar.PrizeEditRequest) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/challenges/prize", UpdatePrizeAssignment)

	body, _ := json.Marshal(req)
	httpReq := httptest.NewRequest(http.MethodPost, "/challenges/prize", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httpReq)
	return w
}

func TestUpdatePrizeAssignmentBeforeFunding(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery(`SELECT funding_status FROM bursar\.prize_assignments`).
		WithArgs("assign_1").
		WillReturnRows(sqlmock.NewRows([]string{"funding_status"}).AddRow("unfunded"))
	mock.ExpectExec(`UPDATE bursar\.prize_assignments`).
		WithArgs(int64(5000), "assign_1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	amount := int64(5000)
	w := performPrizeEdit(t, bursar.PrizeEditRequest{AssignmentID: "assign_1", PrizeAmount: &amount})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 before funding, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdatePrizeAssignmentFundedIsImmutable(t *testing.T) {
	mock := setupHandlerTest(t)

	mock.ExpectQuery(`SELECT funding_status FROM bursar\.prize_assignments`).
		WithArgs("assign_1").
		WillReturnRows(sqlmock.NewRows([]string{"funding_status"}).AddRow("funded"))

	amount := int64(5000)
	w := performPrizeEdit(t, bursar.PrizeEditRequest{AssignmentID: "assign_1", PrizeAmount: &amount})

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for funded assignment, got %d (%s)", w.Code, w.Body.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("funded assignment was written: %v", err)
	}
}
