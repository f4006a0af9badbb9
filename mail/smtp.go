// Package mail delivers moderation requests over SMTP.
package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"
)

// DefaultPort is used when the exchange host carries no port.
const DefaultPort = "25"

// SMTPSender sends mail to an exchange host without authentication.
type SMTPSender struct {
	// Timeout bounds dialing the exchange. Zero means 30 seconds.
	Timeout time.Duration
	// Auth is optional.
	Auth smtp.Auth
}

// Send implements moderation.Sender.
func (s *SMTPSender) Send(ctx context.Context, host, from string, to []string, msg []byte) error {
	if host == "" {
		return fmt.Errorf("no mail exchange host configured")
	}
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, DefaultPort)
	}

	timeout := s.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	serverName, _, _ := net.SplitHostPort(addr)
	c, err := smtp.NewClient(conn, serverName)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}
	defer c.Close()

	if s.Auth != nil {
		if err := c.Auth(s.Auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return c.Quit()
}
