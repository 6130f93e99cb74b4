package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Tksty/polipo/internal/config"
)

// DirectError is a request rejected before any upstream contact.
type DirectError struct {
	Code    int
	Message string
	// Headers holds extra CRLF-prefixed header lines for the error reply.
	Headers string
	// Close asks for the connection to be closed after the reply.
	Close bool
}

func (e *DirectError) Error() string {
	return strconv.Itoa(e.Code) + " " + e.Message
}

// Director validates client requests and resolves their target.
type Director struct {
	AllowedPorts       config.PortList
	TunnelAllowedPorts config.PortList
	// Credentials is "user:password"; empty disables authentication.
	Credentials string
	Realm       string
}

func NewDirector(cfg *config.ProxyConfig) *Director {
	return &Director{
		AllowedPorts:       cfg.AllowedPorts,
		TunnelAllowedPorts: cfg.TunnelAllowedPorts,
		Credentials:        cfg.AuthCredentials,
		Realm:              cfg.AuthRealm,
	}
}

// Direct returns the absolute target of req. For CONNECT the target's
// Host is the tunnel's host:port.
func (d *Director) Direct(req *http.Request) (*url.URL, error) {
	if d.Credentials != "" && !d.authorized(req.Header.Get("Proxy-Authorization")) {
		return nil, &DirectError{
			Code:    http.StatusProxyAuthRequired,
			Message: "Proxy authentication required",
			Headers: "\r\nProxy-Authenticate: Basic realm=\"" + d.Realm + "\"",
		}
	}

	if req.Method == http.MethodConnect {
		return d.directTunnel(req)
	}

	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return nil, &DirectError{Code: http.StatusMethodNotAllowed, Message: "Method not allowed", Close: true}
	}

	u := req.URL
	if u == nil || !u.IsAbs() || u.Host == "" {
		return nil, &DirectError{Code: http.StatusBadRequest, Message: "Proxy request without absolute URL", Close: true}
	}
	if !strings.EqualFold(u.Scheme, "http") {
		return nil, &DirectError{Code: http.StatusBadRequest, Message: "Unsupported scheme " + u.Scheme}
	}

	port := 80
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, &DirectError{Code: http.StatusBadRequest, Message: "Bad port " + p}
		}
		port = n
	}
	if !d.AllowedPorts.Contains(port) {
		return nil, &DirectError{Code: http.StatusForbidden, Message: "Forbidden port"}
	}

	target := *u
	target.Scheme = "http"
	target.Host = strings.ToLower(u.Host)
	target.Fragment = ""
	if target.Path == "" {
		target.Path = "/"
	}
	return &target, nil
}

func (d *Director) directTunnel(req *http.Request) (*url.URL, error) {
	hostport := req.Host
	if hostport == "" && req.URL != nil {
		hostport = req.URL.Host
	}
	_, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, &DirectError{Code: http.StatusBadRequest, Message: "Couldn't parse CONNECT target", Close: true}
	}
	port, err := strconv.Atoi(p)
	if err != nil || !d.TunnelAllowedPorts.Contains(port) {
		return nil, &DirectError{Code: http.StatusForbidden, Message: "Forbidden tunnel", Close: true}
	}
	return &url.URL{Host: strings.ToLower(hostport)}, nil
}

func (d *Director) authorized(header string) bool {
	scheme, encoded, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, []byte(d.Credentials)) == 1
}
