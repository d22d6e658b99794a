// Package email delivers notification emails over SMTP or Amazon SES.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// ErrNotConfigured is returned when no transport has been set up.
var ErrNotConfigured = errors.New("email not configured")

// Message is one rendered email.
type Message struct {
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender sends mail through a plain SMTP relay.
type SMTPSender struct {
	config   Config
	server   string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(config Config) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPSender{
		config:   config,
		server:   config.Host + ":" + config.Port,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *SMTPSender) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *SMTPSender) Send(_ context.Context, msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return errors.New("email has no recipients")
	}
	return s.sendMail(s.server, s.auth, s.config.From, msg.To, buildMIME(formatFrom(s.config.From, s.config.FromName), msg))
}

func formatFrom(address, name string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

const boundary = "boundary-internflow"

func buildMIME(from string, msg Message) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	if msg.HTMLBody == "" {
		fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n\r\n%s", msg.TextBody)
		return buf.Bytes()
	}
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", msg.TextBody)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", msg.HTMLBody)
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}

// NotificationData fills the notification email template.
type NotificationData struct {
	AppName   string
	UserName  string
	Title     string
	Message   string
	ActionURL string
}

// RenderNotification builds the message sent alongside an inbox notification.
func RenderNotification(to string, data NotificationData) (Message, error) {
	if data.AppName == "" {
		data.AppName = "Internship Office"
	}
	var html bytes.Buffer
	if err := notificationTemplate.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("render notification template: %w", err)
	}
	text := data.Message
	if data.ActionURL != "" {
		text += "\n\n" + data.ActionURL
	}
	return Message{
		To:       []string{to},
		Subject:  data.Title,
		TextBody: text,
		HTMLBody: html.String(),
	}, nil
}

var notificationTemplate = template.Must(template.New("notification").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    <h2>{{.Title}}</h2>
    <p>{{.Message}}</p>
{{if .ActionURL}}
    <p>
        <a href="{{.ActionURL}}" class="button">Open request</a>
    </p>
{{end}}
    <div class="footer">
        <p>You are receiving this email because you take part in an internship placement review.</p>
    </div>
</body>
</html>`))
