package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadPipe/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-0001", "15551230001", false},
		{"whatsapp:+15551230001", "15551230001", false},
		{"15551230001", "15551230001", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, c := range cases {
		got, err := canonicalizeRecipient(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("canonicalizeRecipient(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("canonicalizeRecipient(%q) failed: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("canonicalizeRecipient(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWhatsAppServiceSendEmitsReceipt(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "+15551230001", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case receipt := <-svc.Receipts():
		if receipt.To != "15551230001" || receipt.Status != models.MessageStatusSent {
			t.Errorf("unexpected receipt: %+v", receipt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for receipt")
	}
}

func TestWhatsAppServiceRejectsAfterStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	svc.Stop()
	if err := svc.SendMessage(context.Background(), "+15551230001", "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestTwilioServiceSend(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	defer svc.Stop()

	if err := svc.SendMessage(context.Background(), "+1 (555) 123-0001", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "15551230001" {
		t.Errorf("unexpected sends: %v", mock.SentMessages)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	form := url.Values{}
	form.Set("From", "whatsapp:+15551230001")
	form.Set("Body", "hi there")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case resp := <-svc.Responses():
		if resp.From != "whatsapp:+15551230001" || resp.Body != "hi there" {
			t.Errorf("unexpected response: %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestTwilioWebhookHandlerMissingFields(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	form := url.Values{}
	form.Set("Body", "orphan")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioWebhookHandlerMediaOnly(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	defer svc.Stop()

	form := url.Values{}
	form.Set("From", "whatsapp:+15551230001")
	form.Set("MediaUrl0", "https://api.twilio.com/media/abc")
	form.Set("MediaContentType0", "audio/ogg")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for media-only message, got %d", rec.Code)
	}
	select {
	case resp := <-svc.Responses():
		if resp.MediaRef == "" || resp.MediaKind != models.MediaKindAudio {
			t.Errorf("expected audio media response, got %+v", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

type mockSubmitter struct {
	mu     sync.Mutex
	keys   []string
	events []models.BufferedEvent
}

func (m *mockSubmitter) Submit(key string, event models.BufferedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	m.events = append(m.events, event)
	return nil
}

func TestRouterSubmitsInboundEvents(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	submitter := &mockSubmitter{}
	router := NewRouter(svc, submitter)

	ctx, cancel := context.WithCancel(context.Background())
	router.Start(ctx)

	svc.safeEmitResponse(models.Response{
		From: "whatsapp:+15551230001",
		Body: "hello",
		Time: time.Now().Unix(),
	})

	deadline := time.After(time.Second)
	for {
		submitter.mu.Lock()
		n := len(submitter.keys)
		submitter.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for router submission")
		case <-time.After(10 * time.Millisecond):
		}
	}

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if submitter.keys[0] != "+15551230001" {
		t.Errorf("expected canonical key, got %q", submitter.keys[0])
	}
	if submitter.events[0].Content != "hello" || submitter.events[0].ID == "" {
		t.Errorf("unexpected event: %+v", submitter.events[0])
	}

	cancel()
	router.Wait()
	svc.Stop()
}
