package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type mailer interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridAlerter emails alerts through SendGrid.
type SendGridAlerter struct {
	client mailer
	from   *mail.Email
	to     []*mail.Email
}

// NewSendGridAlerter builds an alerter that sends from one address to every
// address in to. It fails when the key or either side is missing.
func NewSendGridAlerter(apiKey, from string, to []string) (*SendGridAlerter, error) {
	if apiKey == "" {
		return nil, errors.New("sendgrid api key is required")
	}

	return newSendGridAlerter(sendgrid.NewSendClient(apiKey), from, to)
}

func newSendGridAlerter(client mailer, from string, to []string) (*SendGridAlerter, error) {
	if from == "" || len(to) == 0 {
		return nil, errors.New("alert email needs a sender and at least one recipient")
	}

	recipients := make([]*mail.Email, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, mail.NewEmail("", addr))
	}

	return &SendGridAlerter{
		client: client,
		from:   mail.NewEmail("taskforge", from),
		to:     recipients,
	}, nil
}

func (s *SendGridAlerter) Alert(ctx context.Context, a Alert) error {
	subject := fmt.Sprintf("[taskforge %s] %s", strings.ToUpper(string(a.Level)), a.Summary)
	body := fmt.Sprintf("Dependency: %s\nLevel: %s\nAt: %s\n\n%s\n",
		a.Dependency, a.Level, a.At.UTC().Format("2006-01-02 15:04:05 MST"), a.Details)

	p := mail.NewPersonalization()
	p.AddTos(s.to...)

	msg := mail.NewV3Mail()
	msg.SetFrom(s.from)
	msg.Subject = subject
	msg.AddPersonalizations(p)
	msg.AddContent(mail.NewContent("text/plain", body))

	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", resp.StatusCode)
	}

	return nil
}
