package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

// Service handles email sending via SMTP
type Service struct {
	host string
	port string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service. An empty username sends without
// authentication, which is what local relays like MailHog expect.
func NewService(host, port, from, username, password string) *Service {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &Service{
		host: host,
		port: port,
		from: from,
		auth: auth,
		send: smtp.SendMail,
	}
}

// SendOrderConfirmation sends an order confirmation email
func (s *Service) SendOrderConfirmation(to string, c Confirmation) error {
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("invalid recipient %q", to)
	}
	subject := fmt.Sprintf("Order confirmation #%s", shortID(c.OrderID))
	body, err := BuildOrderConfirmationBody(c)
	if err != nil {
		return err
	}
	return s.deliver(to, subject, body)
}

func (s *Service) deliver(to, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.from, to, subject, body)
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	if err := s.send(addr, s.auth, s.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
