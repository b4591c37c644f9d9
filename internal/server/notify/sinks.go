package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/dmitrijs2005/filedrop/internal/server/settings"
)

// Sink names.
const (
	SinkWebhook = "webhook"
	SinkEmail   = "email"
)

// Sink delivers one message. Delivery is attempted once.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type WebhookSink struct {
	cfg    settings.Webhook
	client *http.Client
	now    func() time.Time
}

func (s *WebhookSink) Name() string { return SinkWebhook }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(map[string]string{"content": m.Text()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", common.AppName)
	req.Header.Set("X-Filedrop-Event", string(m.Event))
	req.Header.Set("X-Filedrop-Timestamp", strconv.FormatInt(s.now().Unix(), 10))
	if s.cfg.Secret != "" {
		req.Header.Set("X-Filedrop-Signature", Sign(s.cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook answered %s", resp.Status)
	}
	return nil
}

type mailFunc func(ctx context.Context, addr string, startTLS bool, a smtp.Auth, from string, to []string, msg []byte) error

type EmailSink struct {
	cfg  settings.Email
	send mailFunc
	now  func() time.Time
}

func (s *EmailSink) Name() string { return SinkEmail }

func (s *EmailSink) Send(ctx context.Context, m Message) error {
	to := s.cfg.Recipients()
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s file %s\r\n", common.AppName, m.subjectWord())
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(m.Body(), "\n", "\r\n"))
	b.WriteString("\r\n")

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	return s.send(ctx, addr, s.cfg.StartTLS, auth, s.cfg.From, to, []byte(b.String()))
}

// sendMail speaks SMTP to addr, upgrading with STARTTLS when asked. The whole
// conversation is bounded by ctx: its deadline becomes the connection
// deadline and cancellation closes the connection.
func sendMail(ctx context.Context, addr string, startTLS bool, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			_ = conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp greeting: %w", err)
	}
	defer c.Close()

	if startTLS {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if a != nil {
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
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
