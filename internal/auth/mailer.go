package auth

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// Mailer delivers one-time codes.
type Mailer interface {
	SendOTP(ctx context.Context, email, code string, ttl time.Duration) error
}

// LogMailer writes codes to the log. It is used when no SMTP server is
// configured.
type LogMailer struct {
	log zerolog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log.With().Str("component", "mailer").Logger()}
}

// SendOTP logs the code.
func (m *LogMailer) SendOTP(_ context.Context, email, code string, ttl time.Duration) error {
	m.log.Info().Str("email", email).Str("otp", code).Dur("ttl", ttl).Msg("otp issued")
	return nil
}

// SMTPMailer sends codes through an SMTP relay with PLAIN auth.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
}

// NewSMTPMailer creates an SMTPMailer. addr is host:port.
func NewSMTPMailer(addr, user, pass, from string) (*SMTPMailer, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("auth: smtp addr: %w", err)
	}
	var a smtp.Auth
	if user != "" {
		a = smtp.PlainAuth("", user, pass, host)
	}
	return &SMTPMailer{addr: addr, from: from, auth: a}, nil
}

// SendOTP mails the verification code.
func (m *SMTPMailer) SendOTP(_ context.Context, email, code string, ttl time.Duration) error {
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Verify your email - Chat App\r\n\r\n"+
		"Your OTP code is %s. It is valid for %d minutes.\r\n",
		m.from, email, code, int(ttl.Minutes()))

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{email}, []byte(body)); err != nil {
		return fmt.Errorf("auth: send mail: %w", err)
	}
	return nil
}
