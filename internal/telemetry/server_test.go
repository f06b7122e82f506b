package telemetry

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeFlight struct {
	status   []byte
	armErr   error
	armed    bool
	disarmed bool
}

func (f *fakeFlight) StatusJSON() ([]byte, error) { return f.status, nil }
func (f *fakeFlight) Arm() error {
	if f.armErr != nil {
		return f.armErr
	}
	f.armed = true
	return nil
}
func (f *fakeFlight) Disarm() error {
	f.disarmed = true
	return nil
}

func newTestServer(t *testing.T, fc FlightController) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	srv := httptest.NewServer(Handler(fc, reg))
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusEndpoint(t *testing.T) {
	fc := &fakeFlight{status: []byte(`{"armed":false}`)}
	srv := newTestServer(t, fc)

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"armed":false`) {
		t.Fatalf("body = %s", body)
	}
}

func TestStatusRejectsPost(t *testing.T) {
	srv := newTestServer(t, &fakeFlight{})
	resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestArmDisarm(t *testing.T) {
	fc := &fakeFlight{}
	srv := newTestServer(t, fc)

	resp, err := http.Post(srv.URL+"/api/arm", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !fc.armed {
		t.Fatalf("arm: status=%d armed=%v", resp.StatusCode, fc.armed)
	}

	resp, err = http.Post(srv.URL+"/api/disarm", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !fc.disarmed {
		t.Fatalf("disarm: status=%d disarmed=%v", resp.StatusCode, fc.disarmed)
	}
}

func TestArmFailureMapsToConflict(t *testing.T) {
	fc := &fakeFlight{armErr: errors.New("sensor not healthy")}
	srv := newTestServer(t, fc)
	resp, err := http.Post(srv.URL+"/api/arm", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	srv := newTestServer(t, &fakeFlight{})
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "quadfc_loop_cycles_total") {
		t.Fatalf("metrics output missing loop counter:\n%s", body)
	}
}
