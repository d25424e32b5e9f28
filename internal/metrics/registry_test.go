package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistryRegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.GrantsIssued.Inc()
	m.RetransmitsSent.Add(3)
	m.RPCStateTransition.WithLabelValues("DEAD").Inc()
	m.TotalIncomingBytes.Set(1024)

	if got := testutil.ToFloat64(m.GrantsIssued); got != 1 {
		t.Fatalf("GrantsIssued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RetransmitsSent); got != 3 {
		t.Fatalf("RetransmitsSent = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RPCStateTransition.WithLabelValues("DEAD")); got != 1 {
		t.Fatalf("RPCStateTransition{state=DEAD} = %v, want 1", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 7 {
		t.Fatalf("registered metric families = %d, want 7", len(families))
	}
}

func TestNewRegistryPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	defer func() {
		if recover() == nil {
			t.Fatal("registering the same collectors twice on one registry should panic")
		}
	}()
	NewRegistry(reg)
}
