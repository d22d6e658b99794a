package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPSenderIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "office@example.edu"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.edu", From: "office@example.edu"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.edu", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.edu", Port: "587", From: "office@example.edu"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := NewSMTPSender(tt.config)
			if sender.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", sender.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSMTPSenderBuildsMultipartMessage(t *testing.T) {
	sender := NewSMTPSender(Config{Host: "smtp.example.edu", Port: "587", From: "office@example.edu", FromName: "Internship Office"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	sender.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	msg, err := RenderNotification("student@example.edu", NotificationData{
		UserName:  "Ada",
		Title:     "Placement approved",
		Message:   "Your placement at Acme was approved.",
		ActionURL: "https://internflow.example.edu/requests/REQ-1",
	})
	require.NoError(t, err)
	require.NoError(t, sender.Send(context.Background(), msg))

	assert.Equal(t, "smtp.example.edu:587", gotAddr)
	assert.Equal(t, "office@example.edu", gotFrom)
	assert.Equal(t, []string{"student@example.edu"}, gotTo)
	body := string(gotBody)
	assert.Contains(t, body, "From: Internship Office <office@example.edu>")
	assert.Contains(t, body, "Subject: Placement approved")
	assert.Contains(t, body, "multipart/alternative")
	assert.Contains(t, body, "https://internflow.example.edu/requests/REQ-1")
}

func TestSMTPSenderNotConfigured(t *testing.T) {
	err := NewSMTPSender(Config{}).Send(context.Background(), Message{To: []string{"a@example.edu"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRenderNotificationEscapesHTML(t *testing.T) {
	msg, err := RenderNotification("a@example.edu", NotificationData{
		UserName: "<b>Eve</b>",
		Title:    "Feedback",
		Message:  "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.NotContains(t, msg.HTMLBody, "<script>")
	assert.Contains(t, msg.HTMLBody, "&lt;b&gt;Eve&lt;/b&gt;")
	assert.True(t, strings.HasPrefix(msg.TextBody, "<script>"), "plain text body is not escaped")
	assert.Contains(t, msg.HTMLBody, "Internship Office")
}

type mockSES struct {
	input *ses.SendEmailInput
	err   error
}

func (m *mockSES) SendEmail(_ context.Context, params *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESSenderSend(t *testing.T) {
	client := &mockSES{}
	sender := NewSESSenderWithClient(client, "office@example.edu")

	err := sender.Send(context.Background(), Message{
		To:       []string{"student@example.edu"},
		Subject:  "Placement approved",
		TextBody: "approved",
		HTMLBody: "<p>approved</p>",
	})
	require.NoError(t, err)
	require.NotNil(t, client.input)
	assert.Equal(t, "office@example.edu", aws.ToString(client.input.Source))
	assert.Equal(t, []string{"student@example.edu"}, client.input.Destination.ToAddresses)
	assert.Equal(t, "Placement approved", aws.ToString(client.input.Message.Subject.Data))
	assert.Equal(t, "<p>approved</p>", aws.ToString(client.input.Message.Body.Html.Data))
}

func TestSESSenderWrapsErrors(t *testing.T) {
	client := &mockSES{err: errors.New("throttled")}
	err := NewSESSenderWithClient(client, "office@example.edu").Send(context.Background(), Message{To: []string{"a@example.edu"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttled")
}
