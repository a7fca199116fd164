package transmit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/mkowalik/nbpulse/internal/compression"
	"github.com/mkowalik/nbpulse/internal/event"
	"github.com/mkowalik/nbpulse/internal/settings"
)

func newSenderStore(t *testing.T, serverURL string) *settings.Store {
	t.Helper()
	store := settings.NewStore(nil)
	provider := settings.NewStaticProvider(map[string]interface{}{
		settings.KeyServerURL: serverURL,
	})
	if err := store.Initialize(provider, "nbpulse"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return store
}

func TestHTTPSenderDelivers(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewHTTPSender(newSenderStore(t, srv.URL), HTTPSenderConfig{})
	defer sender.Close()

	batch := []*event.Record{
		{ID: "ev-1", Type: event.TypeCellExecuted, SessionID: "s-1"},
		{ID: "ev-2", Type: event.TypeNotebookSaved, SessionID: "s-1"},
	}
	if err := sender.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}

	var decoded []map[string]interface{}
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a JSON array: %v", err)
	}
	if len(decoded) != 2 || decoded[0]["eventId"] != "ev-1" || decoded[1]["eventId"] != "ev-2" {
		t.Fatalf("unexpected batch payload: %s", gotBody)
	}
}

func TestHTTPSenderStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusUnauthorized, ErrorTypeAuth},
		{http.StatusForbidden, ErrorTypeAuth},
		{http.StatusTooManyRequests, ErrorTypeRateLimit},
		{http.StatusBadRequest, ErrorTypeClientError},
		{http.StatusInternalServerError, ErrorTypeServerError},
		{http.StatusServiceUnavailable, ErrorTypeServerError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		}))

		sender := NewHTTPSender(newSenderStore(t, srv.URL), HTTPSenderConfig{})
		err := sender.Send(context.Background(), []*event.Record{{ID: "ev", Type: event.TypeCellExecuted, SessionID: "s"}})
		if err == nil {
			t.Errorf("status %d: Send() = nil, want error", tt.status)
			srv.Close()
			continue
		}
		var te *Error
		if !errors.As(err, &te) {
			t.Errorf("status %d: error is %T, want *Error", tt.status, err)
		} else {
			if te.Type != tt.want {
				t.Errorf("status %d: Type = %s, want %s", tt.status, te.Type, tt.want)
			}
			if te.StatusCode != tt.status {
				t.Errorf("status %d: StatusCode = %d", tt.status, te.StatusCode)
			}
		}
		sender.Close()
		srv.Close()
	}
}

func TestHTTPSenderConnectionRefused(t *testing.T) {
	// A server started and immediately closed yields a port nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	sender := NewHTTPSender(newSenderStore(t, url), HTTPSenderConfig{})
	defer sender.Close()

	err := sender.Send(context.Background(), []*event.Record{{ID: "ev", Type: event.TypeCellExecuted, SessionID: "s"}})
	if err == nil {
		t.Fatal("Send() = nil, want network error")
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("error is %T, want *Error", err)
	}
	if te.Type != ErrorTypeNetwork && te.Type != ErrorTypeTimeout {
		t.Fatalf("Type = %s, want network or timeout", te.Type)
	}
}

func TestHTTPSenderGzip(t *testing.T) {
	var gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender(newSenderStore(t, srv.URL), HTTPSenderConfig{Compression: compression.TypeGzip})
	defer sender.Close()

	if err := sender.Send(context.Background(), []*event.Record{{ID: "ev-z", Type: event.TypeCellExecuted, SessionID: "s"}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotEncoding != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", gotEncoding)
	}

	zr, err := gzip.NewReader(bytes.NewReader(gotBody))
	if err != nil {
		t.Fatalf("gzip.NewReader() error = %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var decoded []map[string]interface{}
	if err := json.Unmarshal(plain, &decoded); err != nil {
		t.Fatalf("decompressed body is not JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["eventId"] != "ev-z" {
		t.Fatalf("unexpected payload: %s", plain)
	}
}

func TestHTTPSenderZstd(t *testing.T) {
	var gotEncoding string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sender := NewHTTPSender(newSenderStore(t, srv.URL), HTTPSenderConfig{Compression: compression.TypeZstd})
	defer sender.Close()

	if err := sender.Send(context.Background(), []*event.Record{{ID: "ev-s", Type: event.TypeCellExecuted, SessionID: "s"}}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotEncoding != "zstd" {
		t.Fatalf("Content-Encoding = %q, want zstd", gotEncoding)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader() error = %v", err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(gotBody, nil)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var decoded []map[string]interface{}
	if err := json.Unmarshal(plain, &decoded); err != nil {
		t.Fatalf("decompressed body is not JSON: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["eventId"] != "ev-s" {
		t.Fatalf("unexpected payload: %s", plain)
	}
}
