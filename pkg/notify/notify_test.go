package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSendSignsPayload(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-MPanel-Signature")
		gotType = r.Header.Get("X-MPanel-Event")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "s3cret", zerolog.Nop())
	if err := w.Send(context.Background(), Event{Type: EventUpdateAvailable, Message: "new version"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotType != EventUpdateAvailable {
		t.Errorf("event header: %q", gotType)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature: got %q want %q", gotSig, want)
	}
	var ev Event
	if err := json.Unmarshal(gotBody, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.Timestamp.IsZero() || ev.Message != "new version" {
		t.Errorf("payload incomplete: %+v", ev)
	}
}

func TestSendRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "", zerolog.Nop())
	w.backoff = time.Millisecond
	if err := w.Send(context.Background(), Event{Type: EventUpdateFinished}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d want 3", calls.Load())
	}
}

func TestSendGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, "", zerolog.Nop())
	w.backoff = time.Millisecond
	if err := w.Send(context.Background(), Event{Type: EventRollbackFinished}); err == nil {
		t.Fatal("want error after exhausted retries")
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d want 3", calls.Load())
	}
}

func TestNilWebhookIsNoop(t *testing.T) {
	w := NewWebhook("", "secret", zerolog.Nop())
	if w != nil {
		t.Fatal("empty URL should produce nil sender")
	}
	if err := w.Send(context.Background(), Event{Type: EventUpdateAvailable}); err != nil {
		t.Fatalf("nil sender: %v", err)
	}
}
