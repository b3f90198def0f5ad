package timeline

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/ManuelReschke/RenderFox/internal/pkg/env"
)

var ErrURLNotAllowed = errors.New("media url not allowed")

const maxRedirects = 5

// URLPolicy limits which media URLs an export may fetch. AllowedHosts match
// exactly or as a parent domain. An empty list allows any host, but
// loopback, private and link-local targets are always refused.
type URLPolicy struct {
	AllowedHosts []string
}

// NewURLPolicyFromEnv reads TIMELINE_ALLOWED_HOSTS (comma separated) and
// adds extra, which may be bare hosts or base URLs.
func NewURLPolicyFromEnv(extra ...string) *URLPolicy {
	p := &URLPolicy{}
	for _, h := range strings.Split(env.GetEnv("TIMELINE_ALLOWED_HOSTS", ""), ",") {
		p.Allow(h)
	}
	for _, h := range extra {
		p.Allow(h)
	}
	return p
}

// Allow adds a host or the host of a URL.
func (p *URLPolicy) Allow(host string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return
		}
		host = u.Hostname()
	}
	host = strings.Trim(host, ".")
	if host != "" {
		p.AllowedHosts = append(p.AllowedHosts, host)
	}
}

// Check reports whether raw may be downloaded. A nil policy still refuses
// non-public targets.
func (p *URLPolicy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrURLNotAllowed, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrURLNotAllowed)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" || host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: host %q", ErrURLNotAllowed, host)
	}
	if ip := net.ParseIP(host); ip != nil && !isPublicIP(ip) {
		return fmt.Errorf("%w: address %s", ErrURLNotAllowed, host)
	}
	if p == nil || len(p.AllowedHosts) == 0 {
		return nil
	}
	for _, allowed := range p.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: host %s", ErrURLNotAllowed, host)
}

func isPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		// 0.0.0.0/8 and the carrier-grade NAT range 100.64.0.0/10
		if v4[0] == 0 || (v4[0] == 100 && v4[1]&0xc0 == 64) {
			return false
		}
	}
	return true
}

// refuseNonPublic runs after DNS resolution, so names that resolve to
// internal addresses are refused as well.
func refuseNonPublic(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil || !isPublicIP(ip) {
		return fmt.Errorf("%w: address %s", ErrURLNotAllowed, address)
	}
	return nil
}

// HTTPClient returns a client that only connects to public addresses and
// applies Check to every redirect target.
func (p *URLPolicy) HTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, Control: refuseNonPublic}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return p.Check(req.URL.String())
		},
	}
}
