package certificates

import (
	"context"
	"net/url"
	"strings"

	"examdesk/internal/stories/subjects"

	"github.com/pkg/errors"
)

// LinkRenderer hands out a stable link under baseURL. The document behind it
// is produced by the certificate service that serves baseURL.
type LinkRenderer struct {
	baseURL string
}

func NewLinkRenderer(baseURL string) (*LinkRenderer, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("certificate base url %q is not absolute", baseURL)
	}
	return &LinkRenderer{baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (r *LinkRenderer) Render(_ context.Context, purchase *Purchase, _ *TestResult, _ *subjects.Account) (string, error) {
	return r.baseURL + "/" + url.PathEscape(purchase.ID) + ".pdf", nil
}
