package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/Tksty/polipo/internal/parent"
)

type parentKey struct{}

// NewTransport returns the transport used to reach origins. Requests
// carrying a parent chosen by Transport.RoundTrip go through that parent.
func NewTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	tr := &http.Transport{
		Proxy:               proxyFromContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{},
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		// the proxy decodes nothing; bodies are relayed as received
		DisableCompression: true,
	}
	http2.ConfigureTransport(tr)
	return tr
}

func proxyFromContext(req *http.Request) (*url.URL, error) {
	if pp, ok := req.Context().Value(parentKey{}).(*parent.Proxy); ok {
		return pp.URL, nil
	}
	return nil, nil
}

// Transport routes requests through the parent pool and reports each
// parent's outcome to its circuit breaker.
type Transport struct {
	Base    http.RoundTripper
	Parents *parent.Pool
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Parents.Len() == 0 {
		return t.Base.RoundTrip(req)
	}

	pp, err := t.Parents.Pick()
	if err != nil {
		return nil, err
	}

	ctx := context.WithValue(req.Context(), parentKey{}, pp)
	resp, err := t.Base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		t.Parents.ReportFailure(pp)
		return nil, err
	}
	t.Parents.ReportSuccess(pp)
	return resp, nil
}
