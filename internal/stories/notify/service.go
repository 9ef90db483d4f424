package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Service renders templated emails and queues them. Delivery problems are
// logged, never returned.
type Service struct {
	templates Templates
	mailer    Mailer
	lang      string
	now       func() time.Time
	logger    *slog.Logger
}

func NewService(templates Templates, mailer Mailer, lang string, logger *slog.Logger) *Service {
	return &Service{
		templates: templates,
		mailer:    mailer,
		lang:      lang,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *Service) Notify(ctx context.Context, email, template string, vars map[string]string) {
	msg, err := s.templates.Message(s.lang, template, vars)
	if err != nil {
		s.logger.Error("Failed to render email", "template", template, "error", err)
		return
	}

	mail := Mail{
		ID:       uuid.NewString(),
		To:       email,
		Subject:  msg.Subject,
		Body:     msg.Body,
		Template: template,
		QueuedAt: s.now().UTC(),
	}
	if err := s.mailer.Send(ctx, mail); err != nil {
		s.logger.Error("Failed to queue email",
			"template", template,
			"to", email,
			"mail_id", mail.ID,
			"error", err,
		)
		return
	}

	s.logger.Debug("Email queued", "template", template, "to", email, "mail_id", mail.ID)
}

// LogMailer stands in for the queue when none is configured.
type LogMailer struct {
	logger *slog.Logger
}

func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, mail Mail) error {
	m.logger.Info("Email not delivered, no mail queue configured",
		"mail_id", mail.ID,
		"to", mail.To,
		"subject", mail.Subject,
		"template", mail.Template,
	)
	return nil
}
