package smtp_test

import (
	"testing"
	"time"

	"github.com/sirenhq/siren/services/smtp"
	"github.com/sirenhq/siren/services/smtp/smtptest"
)

type diagnostic struct{}

func (diagnostic) Error(msg string, err error) {}

func TestService_SendMail(t *testing.T) {
	ts, err := smtptest.NewServer()
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()

	c := smtp.NewConfig()
	c.Enabled = true
	c.Host = ts.Host
	c.Port = ts.Port
	c.From = "siren@example.com"

	s := smtp.NewService(c, diagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}

	if err := s.SendMail([]string{"admin@example.com"}, "Welcome to Siren", "hello"); err != nil {
		t.Fatal(err)
	}

	// Closing the service flushes the mailer goroutine.
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var sent int
	for time.Now().Before(deadline) {
		if sent = len(ts.SentMessages()); sent == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sent != 1 {
		t.Fatalf("expected one sent message, got %d", sent)
	}
	m := ts.SentMessages()[0]
	if exp := "Welcome to Siren"; m.Header.Get("Subject") != exp {
		t.Errorf("unexpected subject: got %q exp %q", m.Header.Get("Subject"), exp)
	}
	if exp := "admin@example.com"; m.Header.Get("To") != exp {
		t.Errorf("unexpected recipient: got %q exp %q", m.Header.Get("To"), exp)
	}

	for _, err := range ts.Errors() {
		t.Error(err)
	}
}

func TestService_SendMail_Disabled(t *testing.T) {
	s := smtp.NewService(smtp.NewConfig(), diagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SendMail([]string{"admin@example.com"}, "subject", "body"); err == nil {
		t.Fatal("expected error when service is disabled")
	}
}

func TestService_SendMail_NoRecipients(t *testing.T) {
	c := smtp.NewConfig()
	c.Enabled = true
	s := smtp.NewService(c, diagnostic{})
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.SendMail(nil, "subject", "body"); err != smtp.ErrNoRecipients {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}
