// Package notify delivers transactional messages. Template rendering and SMTP
// delivery live in the notification service; this service hands it the facts.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/domain"
	"github.com/boddenberg/cmms-billing-go/internal/port"
)

var _ port.Mailer = (*LogMailer)(nil)

// LogMailer writes welcome messages to the log instead of sending them.
// The temporary password is never logged.
type LogMailer struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []domain.WelcomeMessage
}

// NewLogMailer creates a mailer that logs through logger.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// SendWelcome records and logs the message.
func (m *LogMailer) SendWelcome(_ context.Context, msg *domain.WelcomeMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, *msg)
	m.mu.Unlock()

	m.logger.Info("welcome email queued",
		zap.String("email", msg.Email),
		zap.String("subdomain", msg.Subdomain),
		zap.String("plan", string(msg.Plan)),
		zap.String("login_url", msg.LoginURL),
		zap.Bool("temporary_password", msg.TemporaryPassword != ""),
	)
	return nil
}

// Sent returns a copy of every message handed to the mailer.
func (m *LogMailer) Sent() []domain.WelcomeMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.WelcomeMessage(nil), m.sent...)
}
