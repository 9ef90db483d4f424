package notify

import (
	"context"

	"examdesk/internal/localization"
)

type (
	Mailer interface {
		Send(ctx context.Context, mail Mail) error
	}

	Templates interface {
		Message(lang, template string, params map[string]string) (localization.Message, error)
	}
)
