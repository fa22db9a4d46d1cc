package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends report mails through the Gmail API as the authenticated account.
type GmailProvider struct {
	messages *gmail.UsersMessagesService
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		messages: service.Users.Messages,
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}
}

// message builds the base64url encoded MIME message Gmail expects.
// The From address is set by Gmail based on the authenticated account.
func message(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeEmailHeader(to))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeEmailHeader(subject))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return base64.URLEncoding.EncodeToString([]byte(msg.String()))
}

// Send delivers one message. Rejections by the API other than rate limiting are final.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := &gmail.Message{Raw: message(to, subject, htmlBody)}

	return retry.Do(
		func() error {
			start := time.Now()
			_, err := g.messages.Send("me", raw).Context(ctx).Do()
			if err != nil {
				var apiErr *googleapi.Error
				if errors.As(err, &apiErr) && permanent(apiErr.Code) {
					return retry.Unrecoverable(fmt.Errorf("gmail send: HTTP %d: %s", apiErr.Code, apiErr.Message))
				}
				g.logger.Warn("Gmail send failed", "to", to, "duration_ms", time.Since(start).Milliseconds(), "error", err)
				return fmt.Errorf("gmail send: %w", err)
			}
			g.logger.Info("Report mail sent", "provider", "gmail", "to", to, "duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(g.attempts),
		retry.Delay(g.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(g.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "error", err)
		}),
	)
}

// permanent reports whether an HTTP status from a mail API will not change on retry.
func permanent(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}
