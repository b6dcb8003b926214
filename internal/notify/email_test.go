package notify

import (
	"context"
	"strings"
	"testing"

	"gopkg.in/gomail.v2"

	"restock_monitor/internal/config"
	"restock_monitor/internal/model"
)

func TestSMTPConfigForEmail(t *testing.T) {
	tests := []struct {
		email string
		host  string
		port  int
		ssl   bool
	}{
		{"a@qq.com", "smtp.qq.com", 465, true},
		{"a@gmail.com", "smtp.gmail.com", 587, false},
		{"a@outlook.com", "smtp.office365.com", 587, false},
		{"a@example.org", "smtp.example.org", 465, true},
	}
	for _, tt := range tests {
		host, port, ssl, err := smtpConfigForEmail(tt.email)
		if err != nil || host != tt.host || port != tt.port || ssl != tt.ssl {
			t.Errorf("%s: got %s:%d ssl=%v err=%v", tt.email, host, port, ssl, err)
		}
	}
	if _, _, _, err := smtpConfigForEmail("broken"); err == nil {
		t.Error("expected error for address without domain")
	}
}

func TestEmailSinkSend(t *testing.T) {
	if _, err := NewEmailSink(config.EmailConfig{Address: "me@gmail.com"}); err == nil {
		t.Fatal("missing auth code should be rejected")
	}

	s, err := NewEmailSink(config.EmailConfig{Address: "me@gmail.com", AuthCode: "x", To: "you@qq.com"})
	if err != nil {
		t.Fatal(err)
	}
	var host string
	var msg *gomail.Message
	s.send = func(d *gomail.Dialer, m *gomail.Message) error {
		host, msg = d.Host, m
		return nil
	}

	evt := model.NotificationEvent{
		Kind:     model.EventAvailable,
		TaskName: "Labubu",
		URL:      "https://shop.test/p/1",
		Fields:   map[string]string{"price": "19.99 USD"},
	}
	if err := s.Send(context.Background(), evt); err != nil {
		t.Fatal(err)
	}
	if host != "smtp.gmail.com" {
		t.Errorf("host got %s", host)
	}
	if got := msg.GetHeader("Subject"); len(got) != 1 || got[0] != "补货提醒：Labubu" {
		t.Errorf("subject got %v", got)
	}
	if got := msg.GetHeader("To"); len(got) != 1 || got[0] != "you@qq.com" {
		t.Errorf("to got %v", got)
	}

	_, text, err := buildEmailBody(evt)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(text, "price：19.99 USD") || !strings.Contains(text, evt.URL) {
		t.Errorf("text body got %q", text)
	}
}
