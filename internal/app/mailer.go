package app

import (
	"fmt"
	"log/slog"
	"net/smtp"
)

// Mailer delivers verification codes. Delivery is a collaborator concern;
// the core only depends on this contract.
type Mailer interface {
	SendCode(email, code string) error
}

// SMTPMailer sends codes through a plain SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SendCode emails a verification code.
func (m SMTPMailer) SendCode(email, code string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Your verification code\r\n\r\nYour verification code is %s. It expires in 5 minutes.\r\n",
		m.From, email, code)
	auth := smtp.PlainAuth("", m.Username, m.Password, m.Host)
	if err := smtp.SendMail(m.Host+":"+m.Port, auth, m.From, []string{email}, []byte(msg)); err != nil {
		return fmt.Errorf("send code mail: %w", err)
	}
	return nil
}

// LogMailer logs codes instead of sending them; used in development.
type LogMailer struct{}

// SendCode logs the verification code.
func (LogMailer) SendCode(email, code string) error {
	slog.Info("verification code issued", "email", email, "code", code)
	return nil
}
