package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// value returns the sample of the named metric whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	samples:
		for _, m := range family.GetMetric() {
			for _, lp := range m.GetLabel() {
				if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
					continue samples
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessageDiscovered()
	m.MessageDiscovered()
	m.MessageLoadFailed()
	m.Delivery(ResultDelivered)
	m.Delivery(ResultReset)
	m.Delivery(ResultDelivered)
	m.Connection(ConnectFailed)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(CloseQuit)
	m.SetPending(7)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"smtp_outbound_messages_discovered_total", nil, 2},
		{"smtp_outbound_messages_load_failed_total", nil, 1},
		{"smtp_outbound_deliveries_total", map[string]string{"result": ResultDelivered}, 2},
		{"smtp_outbound_deliveries_total", map[string]string{"result": ResultReset}, 1},
		{"smtp_outbound_connections_total", map[string]string{"result": ConnectFailed}, 1},
		{"smtp_outbound_sessions_closed_total", map[string]string{"reason": CloseQuit}, 1},
		{"smtp_outbound_sessions", nil, 1},
		{"smtp_outbound_pending_messages", nil, 7},
	}
	for _, tt := range tests {
		if got := value(t, reg, tt.name, tt.labels); got != tt.want {
			t.Errorf("%s%v: got %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.MessageDiscovered()
	m.MessageLoadFailed()
	m.Delivery(ResultDelivered)
	m.Connection(ConnectOK)
	m.SessionOpened()
	m.SessionClosed(CloseError)
	m.SetPending(1)
}

func TestServe(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.MessageDiscovered()

	srv, err := Serve("127.0.0.1:0", reg, nil)
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + srv.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "smtp_outbound_messages_discovered_total 1") {
		t.Errorf("exposition missing discovered counter:\n%s", body)
	}
}

func TestServe_ListenError(t *testing.T) {
	t.Parallel()

	if _, err := Serve("256.0.0.1:bad", prometheus.NewRegistry(), nil); err == nil {
		t.Error("expected error for an invalid listen address")
	}
}
