package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// EmailSender delivers sign-in links.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPSender sends mail through an SMTP relay. Port 465 uses implicit TLS,
// any other port goes through smtp.SendMail (STARTTLS when offered).
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (s *SMTPSender) message(to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", s.From, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
			body,
	)
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	var auth smtp.Auth
	if s.Username != "" && s.Password != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	msg := s.message(to, subject, body)
	if s.Port != 465 {
		if err := smtp.SendMail(addr, auth, s.From, []string{to}, msg); err != nil {
			return fmt.Errorf("smtp send: %w", err)
		}
		return nil
	}

	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}, Config: &tls.Config{ServerName: s.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer c.Close()
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// logSender stands in for SMTP outside production. The message body holds a
// live sign-in link, so it only reaches the debug level.
type logSender struct {
	log *slog.Logger
}

func (l logSender) Send(ctx context.Context, to, subject, body string) error {
	log := l.log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "email not sent, SMTP not configured", "to", to, "subject", subject)
	log.DebugContext(ctx, "undelivered email", "to", to, "body", body)
	return nil
}
