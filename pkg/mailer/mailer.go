package mailer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetworks/fleet-api/pkg/jobs"
)

// Mailer delivers password-reset secrets to users out of band. The raw
// secret only ever travels through this boundary; persistence keeps digests.
type Mailer interface {
	SendPasswordReset(ctx context.Context, email, secret string) error
}

// LogMailer is the development delivery channel: it writes the reset link
// to the log instead of sending mail. Not for production use.
type LogMailer struct {
	logger   *zap.Logger
	resetURL string
}

// NewLogMailer creates a log-backed mailer.
func NewLogMailer(logger *zap.Logger, resetURL string) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger, resetURL: resetURL}
}

// SendPasswordReset logs the reset link for the recipient.
func (m *LogMailer) SendPasswordReset(ctx context.Context, email, secret string) error {
	m.logger.Info("password reset issued",
		zap.String("email", email),
		zap.String("reset_link", fmt.Sprintf("%s?token=%s", m.resetURL, secret)),
	)
	return nil
}

type resetPayload struct {
	Email  string
	Secret string
}

// Queued decorates a Mailer with asynchronous dispatch so slow delivery
// never sits on the request path.
type Queued struct {
	queue *jobs.Queue
}

// NewQueued wraps the delegate in a background queue.
func NewQueued(delegate Mailer, cfg jobs.QueueConfig) *Queued {
	handler := func(ctx context.Context, job jobs.Job) error {
		payload, ok := job.Payload.(resetPayload)
		if !ok {
			return fmt.Errorf("unexpected payload type %T", job.Payload)
		}
		return delegate.SendPasswordReset(ctx, payload.Email, payload.Secret)
	}
	return &Queued{queue: jobs.NewQueue("mail", handler, cfg)}
}

// Start launches the delivery workers.
func (q *Queued) Start(ctx context.Context) {
	q.queue.Start(ctx)
}

// Stop drains the workers.
func (q *Queued) Stop() {
	q.queue.Stop()
}

// SendPasswordReset enqueues delivery and returns immediately.
func (q *Queued) SendPasswordReset(ctx context.Context, email, secret string) error {
	return q.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "password_reset_email",
		Payload: resetPayload{Email: email, Secret: secret},
	})
}
