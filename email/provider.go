// Package email sends campaign report summaries via pluggable providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"rtpush-campaign/report"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends report emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{provider: provider, logger: logger}
}

// SendReport mails the summary of a campaign run to every recipient.
func (s *Sender) SendReport(ctx context.Context, recipients []string, campaignName, runName string, summary report.Summary) error {
	subject := "Campaign report"
	if campaignName != "" {
		subject = "Campaign report: " + campaignName
	}
	body := formatReportBody(campaignName, runName, summary)

	for _, to := range recipients {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		s.logger.Info("Sending report email",
			"to", to,
			"subject", subject,
			"total_events", summary.TotalEvents)
		if err := s.provider.Send(ctx, to, subject, body); err != nil {
			return fmt.Errorf("send report to %s: %w", to, err)
		}
	}
	return nil
}

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}
