package shutdown

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func newTestServer(t *testing.T, stops *atomic.Int32) *Server {
	t.Helper()
	s, err := NewServer(0, func() { stops.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s
}

func waitForStops(t *testing.T, stops *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stops.Load() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d stop callbacks, got %d", want, stops.Load())
}

func TestPostShutdownAcknowledgesThenStops(t *testing.T) {
	var stops atomic.Int32
	s := newTestServer(t, &stops)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/shutdown", s.Port()), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	waitForStops(t, &stops, 1)
}

func TestRetriedShutdownRunsCallbackOnce(t *testing.T) {
	var stops atomic.Int32
	s := newTestServer(t, &stops)

	url := fmt.Sprintf("http://127.0.0.1:%d/shutdown", s.Port())
	for i := 0; i < 3; i++ {
		resp, err := http.Post(url, "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	waitForStops(t, &stops, 1)
	time.Sleep(50 * time.Millisecond)
	if stops.Load() != 1 {
		t.Errorf("callback ran %d times", stops.Load())
	}
}

func TestOtherPathsAndMethodsAre404(t *testing.T) {
	var stops atomic.Int32
	s := newTestServer(t, &stops)
	base := fmt.Sprintf("http://127.0.0.1:%d", s.Port())

	resp, err := http.Get(base + "/shutdown")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /shutdown: expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/other", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST /other: expected 404, got %d", resp.StatusCode)
	}

	if stops.Load() != 0 {
		t.Error("404 requests must not trigger the stop callback")
	}
}

func TestPortFromEnv(t *testing.T) {
	t.Setenv(EnvPort, "21234")
	if got := PortFromEnv(); got != 21234 {
		t.Errorf("expected 21234, got %d", got)
	}

	t.Setenv(EnvPort, "not-a-port")
	if got := PortFromEnv(); got != 0 {
		t.Errorf("expected 0 for garbage, got %d", got)
	}

	t.Setenv(EnvPort, "")
	if got := PortFromEnv(); got != 0 {
		t.Errorf("expected 0 for unset, got %d", got)
	}
}
