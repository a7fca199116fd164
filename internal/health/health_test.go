package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func doProbe(t *testing.T, h http.HandlerFunc) (int, Response) {
	t.Helper()
	rr := httptest.NewRecorder()
	h(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("probe body is not JSON: %v", err)
	}
	return rr.Code, resp
}

func TestLiveUp(t *testing.T) {
	c := New()
	code, resp := doProbe(t, c.LiveHandler())
	if code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("live = %d/%s, want 200/up", code, resp.Status)
	}
}

func TestReadyAllChecksPass(t *testing.T) {
	c := New()
	c.Register("settings", func() error { return nil })
	c.Register("buffer", func() error { return nil })

	code, resp := doProbe(t, c.ReadyHandler())
	if code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("ready = %d/%s, want 200/up", code, resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Fatalf("components = %v", resp.Components)
	}
}

func TestReadyFailingCheck(t *testing.T) {
	c := New()
	c.Register("settings", func() error { return nil })
	c.Register("collector", func() error { return errors.New("endpoint unreachable") })

	code, resp := doProbe(t, c.ReadyHandler())
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("ready = %d/%s, want 503/down", code, resp.Status)
	}
	if got := resp.Components["collector"]; got.Status != StatusDown || got.Message == "" {
		t.Fatalf("collector component = %+v", got)
	}
	if got := resp.Components["settings"]; got.Status != StatusUp {
		t.Fatalf("settings component = %+v", got)
	}
}

func TestShuttingDownFailsBothProbes(t *testing.T) {
	c := New()
	c.Register("settings", func() error { return nil })
	c.SetShuttingDown()

	if code, _ := doProbe(t, c.LiveHandler()); code != http.StatusServiceUnavailable {
		t.Fatalf("live while shutting down = %d, want 503", code)
	}
	code, resp := doProbe(t, c.ReadyHandler())
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("ready while shutting down = %d/%s, want 503/down", code, resp.Status)
	}
}
