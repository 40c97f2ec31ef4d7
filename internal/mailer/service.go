// Package mailer sends transactional mail for account lifecycle events.
// An unconfigured mailer is a no-op so local and test setups need no SMTP.
package mailer

import (
	"fmt"
	"net/smtp"
	"strings"
)

type Service struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func New(host string, port int, username, password, from string) *Service {
	return &Service{
		host:     strings.TrimSpace(host),
		port:     port,
		username: strings.TrimSpace(username),
		password: password,
		from:     strings.TrimSpace(from),
	}
}

func (s *Service) Enabled() bool {
	return s != nil && s.host != "" && s.port > 0 && s.from != ""
}

// SendAccountApprovedEmail tells an applicant their access request was
// approved and hands over the temporary password. The recipient is expected
// to change it on first login.
func (s *Service) SendAccountApprovedEmail(toEmail, fullName, role, temporaryPassword string) error {
	if !s.Enabled() {
		return nil
	}

	greeting := strings.TrimSpace(fullName)
	if greeting == "" {
		greeting = toEmail
	}

	subject := "Your lab notebook account request was approved"
	body := fmt.Sprintf(
		"Hello %s,\n\nYour account request has been approved with the %s role.\n\nUsername: %s\nTemporary password: %s\n\nSign in and change this password before recording any work.\n",
		greeting, role, toEmail, temporaryPassword,
	)

	return s.send(toEmail, subject, body)
}

// SendAccountDeniedEmail tells an applicant their access request was denied.
func (s *Service) SendAccountDeniedEmail(toEmail, fullName string) error {
	if !s.Enabled() {
		return nil
	}

	greeting := strings.TrimSpace(fullName)
	if greeting == "" {
		greeting = toEmail
	}

	subject := "Your lab notebook account request was denied"
	body := fmt.Sprintf(
		"Hello %s,\n\nYour account request was reviewed and denied. Contact your lab administrator if you believe this is a mistake.\n",
		greeting,
	)

	return s.send(toEmail, subject, body)
}

func (s *Service) send(toEmail, subject, body string) error {
	toEmail = strings.TrimSpace(toEmail)
	if toEmail == "" {
		return fmt.Errorf("recipient email is required")
	}

	message := []byte("From: " + s.from + "\r\n" +
		"To: " + toEmail + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
		body)

	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	if err := smtp.SendMail(addr, auth, s.from, []string{toEmail}, message); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
