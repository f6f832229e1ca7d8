// Package security validates the remote_server URLs generation requests are
// sent to.
package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrDisallowedHost = errors.New("remote host not allowed")

// HostPolicy decides which remote servers may be contacted. Local
// inference servers are the common case, so local networks and plain http
// are allowed unless the policy says otherwise.
type HostPolicy struct {
	RequireHTTPS      bool
	DenyLocalNetworks bool
}

// NormalizeRemoteHost turns a configured remote_server into a base URL
// without trailing slash. A missing scheme means http.
func NormalizeRemoteHost(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.Wrap(ErrDisallowedHost, "remote server is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid remote server %q", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

// Check normalizes raw and validates it against the policy. It returns the
// base URL to send requests to.
func (p HostPolicy) Check(raw string) (string, error) {
	u, err := NormalizeRemoteHost(raw)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireHTTPS {
			return "", errors.Wrapf(ErrDisallowedHost, "%s: https is required", u.Host)
		}
	default:
		return "", errors.Wrapf(ErrDisallowedHost, "unsupported scheme %q", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.Wrap(ErrDisallowedHost, "host is required")
	}
	if p.DenyLocalNetworks && isLocalHostname(host) {
		return "", errors.Wrapf(ErrDisallowedHost, "local hostname %q", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if addr.IsUnspecified() || addr.IsMulticast() {
			return "", errors.Wrapf(ErrDisallowedHost, "address %q", host)
		}
		if p.DenyLocalNetworks && (addr.Zone() != "" || addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
			return "", errors.Wrapf(ErrDisallowedHost, "local network address %q", host)
		}
	}

	return u.String(), nil
}

func isLocalHostname(host string) bool {
	return host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local")
}
