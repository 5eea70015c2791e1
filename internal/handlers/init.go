package handlers

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"fitworks/api_escrow/internal/store"
	"fitworks/api_escrow/pkg/logging"
)

var (
	db           *sql.DB
	gateway      *store.Gateway
	logger       logging.Logger
	emailService *EmailService
	metrics      *BursarMetrics
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures *prometheus.CounterVec
	EscrowOperations         *prometheus.CounterVec
	PromoRedemptions         *prometheus.CounterVec
	BackfillUpdates          *prometheus.CounterVec
	DBQueries                *prometheus.CounterVec
	DBDuration               *prometheus.HistogramVec
	DBConnections            *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, and metrics
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics) {
	db = database
	gateway = store.NewGateway(database, log)
	logger = log
	emailService = NewEmailService(log)
	metrics = bursarMetrics
}
