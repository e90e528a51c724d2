package webhooks

import (
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

	"github.com/google/uuid"

	"jobledger/core/types"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event {
	return e.evt
}

func TestDispatcherSignsEnvelope(t *testing.T) {
	var (
		receivedBody      atomic.Value
		receivedSignature atomic.Value
		receivedType      atomic.Value
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		receivedBody.Store(body)
		receivedSignature.Store(r.Header.Get(headerSignature))
		receivedType.Store(r.Header.Get(headerEvent))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("shhh"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	evt := marketEvent{evt: &types.Event{
		Type:       "jobs.funded",
		Attributes: map[string]string{"jobId": "4", "totalValue": "1000"},
	}}
	if err := dispatcher.Enqueue(evt); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(func() bool { return receivedBody.Load() != nil }, time.Second)

	body, _ := receivedBody.Load().([]byte)
	if len(body) == 0 {
		t.Fatal("expected delivery body")
	}
	if got, _ := receivedType.Load().(string); got != "jobs.funded" {
		t.Fatalf("event header = %q, want jobs.funded", got)
	}

	signature, _ := receivedSignature.Load().(string)
	mac := hmac.New(sha256.New, []byte("shhh"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if signature != want {
		t.Fatalf("signature = %q, want %q", signature, want)
	}

	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Type != "jobs.funded" {
		t.Fatalf("envelope type = %q", envelope.Type)
	}
	if envelope.Attributes["jobId"] != "4" {
		t.Fatalf("envelope attributes = %v", envelope.Attributes)
	}
	if _, err := uuid.Parse(envelope.DeliveryID); err != nil {
		t.Fatalf("delivery id %q not a uuid: %v", envelope.DeliveryID, err)
	}
	if envelope.EmittedAt.IsZero() {
		t.Fatal("expected emittedAt to be stamped")
	}
}

func TestDispatcherRetriesUntilAccepted(t *testing.T) {
	attempts := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dispatcher, err := NewDispatcher(server.URL, []byte("shhh"),
		WithRetryPolicy(5, 10*time.Millisecond, 20*time.Millisecond))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	defer dispatcher.Close()

	dispatcher.Emit(marketEvent{evt: &types.Event{Type: "jobs.cancelled"}})
	waitFor(func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second)
	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Fatalf("expected retries, got %d attempts", got)
	}
}

func TestDispatcherRequiresEndpointAndSecret(t *testing.T) {
	if _, err := NewDispatcher("", []byte("shhh")); err == nil {
		t.Fatal("expected endpoint error")
	}
	if _, err := NewDispatcher("http://localhost:1", nil); err == nil {
		t.Fatal("expected secret error")
	}
}

func TestDispatcherClosedEnqueueFails(t *testing.T) {
	dispatcher, err := NewDispatcher("http://localhost:1", []byte("shhh"))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	dispatcher.Close()
	if err := dispatcher.Enqueue(marketEvent{evt: &types.Event{Type: "jobs.created"}}); err == nil {
		t.Fatal("expected enqueue on closed dispatcher to fail")
	}
}

func waitFor(cond func() bool, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 10)
	}
}
