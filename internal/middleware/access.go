package middleware

import (
	"net"
	"net/http"
	"strings"

	"github.com/Tksty/polipo/internal/atom"
	"github.com/Tksty/polipo/internal/logging"
)

var lookupAddr = net.LookupAddr

// AccessList admits clients by address, network or host name. An empty
// list admits everyone.
type AccessList struct {
	logger logging.Logger
	pool   *atom.Pool
	nets   []*net.IPNet
	names  *atom.List
}

// NewAccessList parses entries. Each entry is an IP address, a CIDR
// network or a host name; names are matched case-insensitively against
// the reverse lookup of the client's address.
func NewAccessList(pool *atom.Pool, logger logging.Logger, entries []string) (*AccessList, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &AccessList{logger: logger, pool: pool, names: atom.NewList()}

	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			_, ipnet, err := net.ParseCIDR(e)
			if err != nil {
				a.Destroy()
				return nil, err
			}
			a.nets = append(a.nets, ipnet)
			continue
		}
		if ip := net.ParseIP(e); ip != nil {
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			a.nets = append(a.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		a.names.Cons(pool.InternLowerN(e, -1))
	}
	return a, nil
}

// Empty reports whether the list admits everyone.
func (a *AccessList) Empty() bool {
	return len(a.nets) == 0 && a.names.Len() == 0
}

// Allowed reports whether a client at addr may use the proxy.
func (a *AccessList) Allowed(addr net.Addr) bool {
	if a == nil || a.Empty() {
		return true
	}
	if addr == nil {
		return false
	}

	var ip net.IP
	switch v := addr.(type) {
	case *net.TCPAddr:
		ip = v.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			host = addr.String()
		}
		ip = net.ParseIP(host)
	}
	return a.allowedIP(ip)
}

func (a *AccessList) allowedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return true
		}
	}
	if a.names.Len() == 0 {
		return false
	}

	names, err := lookupAddr(ip.String())
	if err != nil {
		a.logger.Debug("reverse lookup failed", "ip", ip.String(), "err", err)
		return false
	}
	for _, n := range names {
		name := a.pool.InternLowerN(strings.TrimSuffix(n, "."), -1)
		ok := a.names.Member(name)
		name.Release()
		if ok {
			return true
		}
	}
	return false
}

// Middleware rejects HTTP requests from clients not on the list with 403.
func (a *AccessList) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		if a == nil || a.Empty() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !a.allowedIP(net.ParseIP(host)) {
				a.logger.Info("client denied",
					"ip", host,
					"path", r.URL.Path,
				)
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Names returns the host names on the list.
func (a *AccessList) Names() []string {
	return a.names.Strings()
}

// Destroy releases the list's atoms.
func (a *AccessList) Destroy() {
	if a == nil {
		return
	}
	a.names.Destroy()
}
