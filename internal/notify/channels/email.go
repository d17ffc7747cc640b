// Package channels holds the notification channel adapters: email, Telegram,
// WhatsApp and operator consoles.
package channels

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/rodovia/alertcore/internal/config"
	"github.com/rodovia/alertcore/internal/notify"
)

// sendMailFunc delivers one message, giving up when ctx is done
type sendMailFunc func(ctx context.Context, addr string, a sasl.Client, from string, to []string, r io.Reader) error

// Email sends notifications through an SMTP relay
type Email struct {
	cfg      config.SMTPConfig
	sendMail sendMailFunc
}

// NewEmail creates the "email" channel
func NewEmail(cfg config.SMTPConfig) *Email {
	e := &Email{cfg: cfg}
	e.sendMail = e.deliver
	return e
}

// Name returns the channel name used in rules
func (e *Email) Name() string {
	return "email"
}

// Send mails message to recipient. The generated Message-ID is the external id.
// SMTP 5xx replies are permanent failures.
func (e *Email) Send(ctx context.Context, recipient, message string, metadata map[string]string) (string, error) {
	domain := "alertcore.local"
	if at := strings.LastIndex(e.cfg.From, "@"); at >= 0 {
		domain = e.cfg.From[at+1:]
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)

	subject := metadata[notify.MetaSubject]
	if subject == "" {
		subject = "Alert notification"
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: %s\r\n", messageID)
	if uuidRef := metadata[notify.MetaAlertUUID]; uuidRef != "" {
		fmt.Fprintf(&msg, "X-Alert-UUID: %s\r\n", uuidRef)
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(message, "\n", "\r\n"))
	msg.WriteString("\r\n")

	var auth sasl.Client
	if e.cfg.Username != "" {
		auth = sasl.NewPlainClient("", e.cfg.Username, e.cfg.Password)
	}

	if err := e.sendMail(ctx, e.cfg.Addr(), auth, e.cfg.From, []string{recipient}, &msg); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifySMTP(err)
	}
	return messageID, nil
}

// deliver runs one SMTP session. The connection deadline follows ctx, so a
// cancelled send stops talking to the relay instead of finishing in the
// background.
func (e *Email) deliver(ctx context.Context, addr string, auth sasl.Client, from string, to []string, r io.Reader) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c := smtp.NewClient(conn)
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp: server does not support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.SendMail(from, to, r); err != nil {
		return err
	}
	return c.Quit()
}

func classifySMTP(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return notify.MarkPermanent(fmt.Errorf("smtp: %w", err))
	}
	return fmt.Errorf("smtp: %w", err)
}
