package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewResendClient_Defaults(t *testing.T) {
	c := NewResendClient("key", "")
	if c.BaseURL != defaultResendURL {
		t.Errorf("BaseURL = %q", c.BaseURL)
	}
	if c.HTTPClient == nil || c.HTTPClient.Timeout != defaultTimeout {
		t.Error("HTTPClient timeout not set")
	}
}

func TestResendClient_Send(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer re_test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var body resendRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.To) != 1 || body.To[0] != "a@x.com" || body.Subject != "Welcome!" {
			t.Errorf("body = %+v", body)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"email_1"}`))
	}))
	defer server.Close()

	c := NewResendClient("re_test", server.URL)
	err := c.Send(context.Background(), &Message{From: "f@x.com", To: "a@x.com", Subject: "Welcome!", Text: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestResendClient_Errors(t *testing.T) {
	if err := NewResendClient("", "").Send(context.Background(), &Message{}); err == nil {
		t.Error("missing API key should fail")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid from"}`))
	}))
	defer server.Close()
	err := NewResendClient("re_test", server.URL).Send(context.Background(), &Message{To: "a@x.com"})
	if err == nil || !strings.Contains(err.Error(), "status=422") {
		t.Errorf("err = %v", err)
	}
}
