package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRESTClientReply(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody createMessagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "tok-1")
	if err := c.Reply(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	if gotPath != "/channels/c1/messages" {
		t.Fatalf("path = %q, want %q", gotPath, "/channels/c1/messages")
	}
	if gotAuth != "Bot tok-1" {
		t.Fatalf("Authorization = %q, want %q", gotAuth, "Bot tok-1")
	}
	if gotBody.Content != "hello" {
		t.Fatalf("content = %q, want %q", gotBody.Content, "hello")
	}
}

func TestRESTClientReplyDeliveryError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "tok-1")
	err := c.Reply(context.Background(), "c1", "hello")
	var deliveryErr *DeliveryError
	if !errors.As(err, &deliveryErr) {
		t.Fatalf("Reply() error = %v, want DeliveryError", err)
	}
	if deliveryErr.ChannelID != "c1" {
		t.Fatalf("DeliveryError.ChannelID = %q, want %q", deliveryErr.ChannelID, "c1")
	}
}

func TestRESTClientTyping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/c1/typing" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewRESTClient(srv.URL, "tok-1")
	if err := c.Typing(context.Background(), "c1"); err != nil {
		t.Fatalf("Typing() error = %v", err)
	}
}
