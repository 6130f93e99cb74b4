// Package parent selects the parent proxy that upstream requests go
// through.
package parent

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/Tksty/polipo/internal/logging"
	"github.com/Tksty/polipo/internal/metrics"
)

var ErrNoParent = errors.New("parent: no live parent proxy")

// Proxy is one parent proxy.
type Proxy struct {
	URL   *url.URL
	Alive bool

	cbFailures       int
	circuitOpenUntil time.Time
	hcFailures       int
	hcSuccesses      int
}

// Addr returns the host:port of the parent.
func (p *Proxy) Addr() string {
	return p.URL.Host
}

type HealthCheckConfig struct {
	Interval           time.Duration
	Timeout            time.Duration
	UnhealthyThreshold int
	HealthyThreshold   int
}

type CircuitBreakerConfig struct {
	ConsecutiveFailures int
	Cooldown            time.Duration
}

// Pool hands out parents in round-robin order, skipping parents that
// failed their health check or whose circuit is open.
type Pool struct {
	mu      sync.Mutex
	parents []*Proxy
	idx     int

	healthCfg *HealthCheckConfig
	cbCfg     *CircuitBreakerConfig
	logger    logging.Logger

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewPool parses addrs ("host:port") into parents. All parents start
// alive.
func NewPool(addrs []string, hc *HealthCheckConfig, cb *CircuitBreakerConfig, logger logging.Logger) (*Pool, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	p := &Pool{
		healthCfg: hc,
		cbCfg:     cb,
		logger:    logger,
		dial:      (&net.Dialer{}).DialContext,
	}
	for _, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, err
		}
		p.parents = append(p.parents, &Proxy{
			URL:   &url.URL{Scheme: "http", Host: addr},
			Alive: true,
		})
	}
	return p, nil
}

// Len returns the number of configured parents.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.parents)
}

// Pick returns the next usable parent. It returns ErrNoParent when none
// is usable.
func (p *Pool) Pick() (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.parents)
	if n == 0 {
		return nil, ErrNoParent
	}

	now := time.Now()

	for i := 0; i < n; i++ {
		pp := p.parents[p.idx]
		p.idx = (p.idx + 1) % n

		if !pp.Alive {
			continue
		}

		if !pp.circuitOpenUntil.IsZero() && now.Before(pp.circuitOpenUntil) {
			continue
		}

		if !pp.circuitOpenUntil.IsZero() && !now.Before(pp.circuitOpenUntil) {
			pp.circuitOpenUntil = time.Time{}
			pp.cbFailures = 0
		}
		return pp, nil
	}

	return nil, ErrNoParent
}

func (p *Pool) ReportSuccess(pp *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pp.cbFailures = 0
}

func (p *Pool) ReportFailure(pp *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pp.cbFailures++
	if p.cbCfg != nil && pp.cbFailures >= p.cbCfg.ConsecutiveFailures {
		pp.circuitOpenUntil = time.Now().Add(p.cbCfg.Cooldown)
		p.logger.Warn("parent proxy circuit open", "parent", pp.Addr(), "until", pp.circuitOpenUntil)
	}
}

// StartHealthChecks probes every parent with a TCP connect on each
// interval until ctx is done.
func (p *Pool) StartHealthChecks(ctx context.Context) {
	if p.healthCfg == nil || len(p.parents) == 0 {
		return
	}

	hc := *p.healthCfg
	if hc.Interval <= 0 {
		hc.Interval = 10 * time.Second
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 1 * time.Second
	}
	if hc.UnhealthyThreshold <= 0 {
		hc.UnhealthyThreshold = 3
	}
	if hc.HealthyThreshold <= 0 {
		hc.HealthyThreshold = 1
	}

	ticker := time.NewTicker(hc.Interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runHealthChecks(ctx, hc)
			}
		}
	}()
}

func (p *Pool) runHealthChecks(ctx context.Context, hc HealthCheckConfig) {
	p.mu.Lock()
	parents := append([]*Proxy(nil), p.parents...)
	p.mu.Unlock()

	for _, pp := range parents {
		hctx, cancel := context.WithTimeout(ctx, hc.Timeout)
		c, err := p.dial(hctx, "tcp", pp.Addr())
		cancel()
		ok := err == nil
		if c != nil {
			_ = c.Close()
		}

		p.mu.Lock()
		if ok {
			pp.hcFailures = 0
			pp.hcSuccesses++
			if pp.hcSuccesses >= hc.HealthyThreshold {
				pp.Alive = true
			}
		} else {
			pp.hcSuccesses = 0
			pp.hcFailures++
			if pp.hcFailures >= hc.UnhealthyThreshold {
				if pp.Alive {
					p.logger.Warn("parent proxy unhealthy", "parent", pp.Addr(), "err", err)
				}
				pp.Alive = false
			}
		}
		alive := pp.Alive
		p.mu.Unlock()

		if alive {
			metrics.SetParentUnhealthy(pp.Addr(), 0)
		} else {
			metrics.SetParentUnhealthy(pp.Addr(), 1)
		}
	}
}
