package parent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNewPoolRejectsBadAddress(t *testing.T) {
	if _, err := NewPool([]string{"no-port"}, nil, nil, nil); err == nil {
		t.Fatal("expected error for an address without a port")
	}
}

func TestPickRoundRobin(t *testing.T) {
	p, err := NewPool([]string{"parent1:8123", "parent2:8123"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var got []string
	for i := 0; i < 4; i++ {
		pp, err := p.Pick()
		if err != nil {
			t.Fatalf("Pick error: %v", err)
		}
		got = append(got, pp.Addr())
	}

	want := []string{"parent1:8123", "parent2:8123", "parent1:8123", "parent2:8123"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("round-robin sequence incorrect: got %v, want %v", got, want)
			break
		}
	}
}

func TestPickSkipsDeadParents(t *testing.T) {
	p, _ := NewPool([]string{"parent1:8123", "parent2:8123"}, nil, nil, nil)
	p.parents[0].Alive = false

	for i := 0; i < 3; i++ {
		pp, err := p.Pick()
		if err != nil {
			t.Fatalf("Pick error: %v", err)
		}
		if pp.Addr() != "parent2:8123" {
			t.Fatalf("picked dead parent %s", pp.Addr())
		}
	}

	p.parents[1].Alive = false
	if _, err := p.Pick(); !errors.Is(err, ErrNoParent) {
		t.Fatalf("err = %v, want ErrNoParent", err)
	}
}

func TestEmptyPool(t *testing.T) {
	p, _ := NewPool(nil, nil, nil, nil)
	if _, err := p.Pick(); !errors.Is(err, ErrNoParent) {
		t.Fatalf("err = %v, want ErrNoParent", err)
	}
	var nilPool *Pool
	if nilPool.Len() != 0 {
		t.Fatal("nil pool should have no parents")
	}
}

func TestCircuitBreaker(t *testing.T) {
	cb := &CircuitBreakerConfig{ConsecutiveFailures: 2, Cooldown: 50 * time.Millisecond}
	p, _ := NewPool([]string{"parent1:8123"}, nil, cb, nil)

	pp, _ := p.Pick()
	p.ReportFailure(pp)
	if _, err := p.Pick(); err != nil {
		t.Fatalf("circuit opened after one failure: %v", err)
	}

	p.ReportFailure(pp)
	if _, err := p.Pick(); !errors.Is(err, ErrNoParent) {
		t.Fatalf("err = %v, want ErrNoParent while the circuit is open", err)
	}

	time.Sleep(60 * time.Millisecond)
	if _, err := p.Pick(); err != nil {
		t.Fatalf("circuit did not close after cooldown: %v", err)
	}
	if pp.cbFailures != 0 {
		t.Errorf("cbFailures = %d, want 0 after the circuit closed", pp.cbFailures)
	}

	p.ReportFailure(pp)
	p.ReportSuccess(pp)
	if pp.cbFailures != 0 {
		t.Errorf("ReportSuccess did not reset failures")
	}
}

func TestHealthChecks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	hc := &HealthCheckConfig{Timeout: time.Second, UnhealthyThreshold: 1, HealthyThreshold: 1}
	p, _ := NewPool([]string{ln.Addr().String(), "127.0.0.1:1"}, hc, nil, nil)
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == "127.0.0.1:1" {
			return nil, errors.New("connection refused")
		}
		return (&net.Dialer{}).DialContext(ctx, network, addr)
	}

	p.runHealthChecks(context.Background(), *hc)

	if !p.parents[0].Alive {
		t.Error("reachable parent marked dead")
	}
	if p.parents[1].Alive {
		t.Error("unreachable parent still alive")
	}

	p.parents[1].Alive = false
	p.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, network, ln.Addr().String())
	}
	p.runHealthChecks(context.Background(), *hc)
	if !p.parents[1].Alive {
		t.Error("recovered parent not marked alive")
	}
}
