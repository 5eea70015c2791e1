package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"strconv"
	"strings"
	"time"

	"fitworks/api_escrow/pkg/logging"
)

// EmailService handles email notifications
type EmailService struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	fromEmail    string
	fromName     string
	logger       logging.Logger
}

// EmailData represents data for email templates
type EmailData struct {
	DepositorName string
	ChallengeID   string
	Amount        float64
	Currency      string
	DepositedAt   *time.Time
	LoginURL      string
}

// NewEmailService creates a new email service instance
func NewEmailService(logger logging.Logger) *EmailService {
	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	if port == 0 {
		port = 587 // Default SMTP port
	}

	return &EmailService{
		smtpHost:     os.Getenv("SMTP_HOST"),
		smtpPort:     port,
		smtpUser:     os.Getenv("SMTP_USER"),
		smtpPassword: os.Getenv("SMTP_PASSWORD"),
		fromEmail:    os.Getenv("FROM_EMAIL"),
		fromName:     os.Getenv("FROM_NAME"),
		logger:       logger,
	}
}

// IsConfigured checks if email service is properly configured
func (es *EmailService) IsConfigured() bool {
	return es.smtpHost != "" && es.smtpUser != "" && es.smtpPassword != "" && es.fromEmail != ""
}

// SendDepositConfirmedEmail sends notification when a prize deposit lands
// in escrow
func (es *EmailService) SendDepositConfirmedEmail(depositorEmail, depositorName, challengeID string, amount float64, currency string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping deposit confirmed email")
		return nil
	}

	subject := "Prize Deposit Confirmed - FitWorks"
	now := time.Now()

	data := EmailData{
		DepositorName: depositorName,
		ChallengeID:   challengeID,
		Amount:        amount,
		Currency:      strings.ToUpper(currency),
		DepositedAt:   &now,
		LoginURL:      os.Getenv("BASE_URL") + "/login",
	}

	body, err := es.renderTemplate("deposit_confirmed", data)
	if err != nil {
		return fmt.Errorf("failed to render deposit confirmed template: %w", err)
	}

	return es.sendEmail(depositorEmail, subject, body)
}

// SendDepositRefundedEmail sends notification when an escrowed deposit is
// refunded
func (es *EmailService) SendDepositRefundedEmail(depositorEmail, depositorName, challengeID string, amount float64, currency string) error {
	if !es.IsConfigured() {
		es.logger.Warn("Email service not configured, skipping deposit refunded email")
		return nil
	}

	subject := "Prize Deposit Refunded - FitWorks"

	data := EmailData{
		DepositorName: depositorName,
		ChallengeID:   challengeID,
		Amount:        amount,
		Currency:      strings.ToUpper(currency),
		LoginURL:      os.Getenv("BASE_URL") + "/login",
	}

	body, err := es.renderTemplate("deposit_refunded", data)
	if err != nil {
		return fmt.Errorf("failed to render deposit refunded template: %w", err)
	}

	return es.sendEmail(depositorEmail, subject, body)
}

// sendEmail sends an email via SMTP
func (es *EmailService) sendEmail(to, subject, body string) error {
	auth := smtp.PlainAuth("", es.smtpUser, es.smtpPassword, es.smtpHost)

	fromHeader := es.fromEmail
	if es.fromName != "" {
		fromHeader = fmt.Sprintf("%s <%s>", es.fromName, es.fromEmail)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		fromHeader, to, subject, body)

	addr := fmt.Sprintf("%s:%d", es.smtpHost, es.smtpPort)
	err := smtp.SendMail(addr, auth, es.fromEmail, []string{to}, []byte(msg))

	if err != nil {
		es.logger.WithFields(logging.Fields{
			"error":   err.Error(),
			"to":      to,
			"subject": subject,
		}).Error("Failed to send email")
		return err
	}

	es.logger.WithFields(logging.Fields{
		"to":      to,
		"subject": subject,
	}).Info("Email sent successfully")

	return nil
}

// renderTemplate renders an email template with data
func (es *EmailService) renderTemplate(templateName string, data EmailData) (string, error) {
	templates := map[string]string{
		"deposit_confirmed": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Deposit Confirmed</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #27ae60;">Prize Deposit Confirmed!</h2>

        <p>Hello {{.DepositorName}},</p>

        <p>Your prize deposit is now held in escrow for your challenge.</p>

        <div style="background-color: #d4edda; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #27ae60;">
            <p><strong>Challenge:</strong> {{.ChallengeID}}</p>
            <p><strong>Prize Amount:</strong> {{.Amount}} {{.Currency}}</p>
            <p><strong>Deposit Date:</strong> {{.DepositedAt.Format "January 2, 2006 at 3:04 PM"}}</p>
        </div>

        <p>The prize will be released to the winner when the challenge completes.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.LoginURL}}" style="background-color: #27ae60; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Challenge</a>
        </p>

        <p>Thank you for using FitWorks!</p>

        <p>Best regards,<br>The FitWorks Team</p>
    </div>
</body>
</html>`,

		"deposit_refunded": `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Deposit Refunded</title>
</head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">
    <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
        <h2 style="color: #e67e22;">Prize Deposit Refunded</h2>

        <p>Hello {{.DepositorName}},</p>

        <p>Your escrowed prize deposit has been refunded:</p>

        <div style="background-color: #fdf2e3; padding: 20px; border-radius: 5px; margin: 20px 0; border-left: 4px solid #e67e22;">
            <p><strong>Challenge:</strong> {{.ChallengeID}}</p>
            <p><strong>Refunded Amount:</strong> {{.Amount}} {{.Currency}}</p>
        </div>

        <p>The refund will appear on your original payment method within a few business days.</p>

        <p style="text-align: center; margin: 30px 0;">
            <a href="{{.LoginURL}}" style="background-color: #e67e22; color: white; padding: 12px 24px; text-decoration: none; border-radius: 5px; display: inline-block;">View Account</a>
        </p>

        <p>If you have any questions, please contact our support team.</p>

        <p>Best regards,<br>The FitWorks Team</p>
    </div>
</body>
</html>`,
	}

	tmplText, ok := templates[templateName]
	if !ok {
		return "", fmt.Errorf("unknown email template: %s", templateName)
	}

	tmpl, err := template.New(templateName).Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// sendDepositStatusEmail notifies the depositor about an escrow status
// change. Best effort: failures are logged, never surfaced to the caller.
func sendDepositStatusEmail(escrowRecordID, status string) {
	database, mailer := db, emailService
	if database == nil || mailer == nil || !mailer.IsConfigured() {
		return
	}

	var challengeID, currency, depositorName, depositorEmail string
	var amount int64
	err := database.QueryRow(`
		SELECT challenge_id, currency, depositor_name, depositor_email, amount
		FROM bursar.escrow_records
		WHERE id = $1
	`, escrowRecordID).Scan(&challengeID, &currency, &depositorName, &depositorEmail, &amount)
	if err != nil {
		logger.WithError(err).WithField("escrow_record_id", escrowRecordID).Error("Failed to load escrow record for deposit notification")
		return
	}

	if depositorEmail == "" {
		logger.WithField("escrow_record_id", escrowRecordID).Warn("No depositor email for deposit notification")
		return
	}

	switch status {
	case "confirmed":
		err = mailer.SendDepositConfirmedEmail(depositorEmail, depositorName, challengeID, float64(amount)/100, currency)
	case "refunded":
		err = mailer.SendDepositRefundedEmail(depositorEmail, depositorName, challengeID, float64(amount)/100, currency)
	}
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"escrow_record_id": escrowRecordID,
			"status":           status,
		}).Error("Failed to send deposit status email")
	}
}
