// Package mail delivers notification emails over SMTP.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/cloudforge-commerce/internal/domain/notification"
)

// Config holds SMTP server and sender settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// TLS requires STARTTLS when the server offers it.
	TLS bool
}

var _ notification.Sender = (*SMTPSender)(nil)

// SMTPSender sends HTML email through one SMTP server, opening a
// connection per message.
type SMTPSender struct {
	cfg  Config
	from mail.Address
	now  func() time.Time
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, errors.Wrap(err, "parse from address")
	}
	if cfg.FromName != "" {
		from.Name = cfg.FromName
	}
	return &SMTPSender{cfg: cfg, from: *from, now: time.Now}, nil
}

// Send delivers m. The context deadline bounds the whole SMTP exchange.
func (s *SMTPSender) Send(ctx context.Context, m notification.Email) error {
	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return errors.Wrap(err, "parse recipient")
	}
	msg := s.compose(to, m)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "dial smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok && s.cfg.TLS {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}
	if err := c.Mail(s.from.Address); err != nil {
		return errors.Wrap(err, "mail from")
	}
	if err := c.Rcpt(to.Address); err != nil {
		return errors.Wrap(err, "rcpt to")
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "data")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "end data")
	}
	return c.Quit()
}

func (s *SMTPSender) compose(to *mail.Address, m notification.Email) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", s.from.String())
	header("To", to.String())
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", s.now().Format(time.RFC1123Z))
	header("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(m.HTML)
	return b.Bytes()
}

var _ notification.Sender = LogSender{}

// LogSender logs messages instead of sending them. It is used when no SMTP
// server is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, m notification.Email) error {
	zctx.From(ctx).Info("Email not sent, no SMTP server configured",
		zap.String("to", m.To),
		zap.String("subject", m.Subject),
	)
	return nil
}
