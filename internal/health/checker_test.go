package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckRPC_HealthyWhenReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, "http://127.0.0.1:1")
	status := c.checkRPC()
	if !status.Healthy {
		t.Errorf("expected healthy rpc status, got error: %s", status.Error)
	}
	if status.Name != "rpc" {
		t.Errorf("expected name rpc, got %s", status.Name)
	}
}

func TestCheckRPC_UnhealthyWhenUnreachable(t *testing.T) {
	c := NewChecker("http://127.0.0.1:1/rpc", "http://127.0.0.1:1")
	status := c.checkRPC()
	if status.Healthy {
		t.Error("expected unhealthy status for unreachable rpc endpoint")
	}
	if status.Error == "" {
		t.Error("expected error message to be populated")
	}
}

func TestCheckExecAPI_HealthyWhenReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected request to /health, got %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker("http://127.0.0.1:1/rpc", srv.URL)
	status := c.checkExecAPI()
	if !status.Healthy {
		t.Errorf("expected healthy exec_api status, got error: %s", status.Error)
	}
	if status.Name != "exec_api" {
		t.Errorf("expected name exec_api, got %s", status.Name)
	}
}

func TestCheck_PopulatesBothStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, srv.URL)
	c.check()

	statuses := c.GetStatuses()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestAllHealthy_FalseBeforeAnyCheck(t *testing.T) {
	c := NewChecker("http://127.0.0.1:1/rpc", "http://127.0.0.1:1")
	if c.AllHealthy() {
		t.Error("expected AllHealthy() to be false before any check has run")
	}
}

func TestAllHealthy_TrueWhenAllComponentsHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, srv.URL)
	c.check()

	if !c.AllHealthy() {
		t.Error("expected AllHealthy() to be true when both components are healthy")
	}
}

func TestAllHealthy_FalseWhenAnyComponentUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker("http://127.0.0.1:1/rpc", srv.URL)
	c.check()

	if c.AllHealthy() {
		t.Error("expected AllHealthy() to be false when the rpc probe fails")
	}
}

func TestStart_RunsInitialCheckSynchronouslyBeforeReturning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewChecker(srv.URL, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	if len(c.GetStatuses()) == 0 {
		t.Error("expected Start to have populated statuses before returning")
	}
}
