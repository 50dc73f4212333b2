package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-relay/pkg/models"

	"github.com/wneessen/go-mail"
)

// MailDialer is the part of mail.Client the sender uses.
type MailDialer interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	// TLS selects mandatory STARTTLS; false sends in plain text (local relays).
	TLS bool
}

// EmailSender delivers replies over SMTP.
type EmailSender struct {
	dialer  MailDialer
	from    string
	subject string
}

func NewEmailSender(cfg EmailConfig) (*EmailSender, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp host and from address are required")
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}

	opts := []mail.Option{mail.WithPort(port)}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return NewEmailSenderWithDialer(client, cfg.From, cfg.Subject), nil
}

func NewEmailSenderWithDialer(dialer MailDialer, from, subject string) *EmailSender {
	if subject == "" {
		subject = "Re: your message"
	}
	return &EmailSender{dialer: dialer, from: from, subject: subject}
}

func (s *EmailSender) Channel() models.Channel {
	return models.ChannelEmail
}

func (s *EmailSender) Send(ctx context.Context, destination, body string) Result {
	m := mail.NewMsg()
	if err := m.From(s.from); err != nil {
		return Permanent(fmt.Errorf("from address: %w", err))
	}
	if err := m.To(strings.TrimSpace(destination)); err != nil {
		return Permanent(fmt.Errorf("%w: %v", ErrInvalidDestination, err))
	}
	m.Subject(s.subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	if err := s.dialer.DialAndSendWithContext(ctx, m); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			return Permanent(fmt.Errorf("smtp: %w", err))
		}
		return Transient(fmt.Errorf("smtp: %w", err))
	}
	return Success("")
}
