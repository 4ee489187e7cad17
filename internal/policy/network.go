package policy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// NetworkViolation is a refused outbound connection.
type NetworkViolation struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Reason string `json:"reason"`
}

func (v *NetworkViolation) Error() string {
	return fmt.Sprintf("network policy violation: connection to %s denied: %s", v.Target(), v.Reason)
}

func (v *NetworkViolation) Unwrap() error  { return ErrNetworkDenied }
func (v *NetworkViolation) Policy() string { return "network" }
func (v *NetworkViolation) Target() string {
	return net.JoinHostPort(v.Host, strconv.Itoa(v.Port))
}

// endpointPattern is one parsed allow-list entry.
type endpointPattern struct {
	raw    string
	host   string       // lowercase host or doublestar pattern
	prefix netip.Prefix // valid when the entry is a CIDR range
	port   int          // 0 matches any port
}

func parseEndpoint(entry string) (endpointPattern, error) {
	entry = strings.TrimSpace(entry)
	host, portStr, err := net.SplitHostPort(entry)
	if err != nil {
		return endpointPattern{}, fmt.Errorf("allow-list entry %q must be host:port: %w", entry, err)
	}
	p := endpointPattern{raw: entry, host: normalizeHost(host)}
	if p.host == "" {
		return endpointPattern{}, fmt.Errorf("allow-list entry %q has an empty host", entry)
	}
	if portStr != "*" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return endpointPattern{}, fmt.Errorf("allow-list entry %q has an invalid port", entry)
		}
		p.port = port
	}
	if strings.Contains(p.host, "/") {
		prefix, err := netip.ParsePrefix(p.host)
		if err != nil {
			return endpointPattern{}, fmt.Errorf("allow-list entry %q has an invalid CIDR: %w", entry, err)
		}
		p.prefix = prefix.Masked()
		return p, nil
	}
	if !doublestar.ValidatePattern(p.host) {
		return endpointPattern{}, fmt.Errorf("allow-list entry %q has an invalid host pattern", entry)
	}
	return p, nil
}

func (p endpointPattern) match(host string, port int) bool {
	if p.port != 0 && p.port != port {
		return false
	}
	if p.prefix.IsValid() {
		addr, err := netip.ParseAddr(host)
		return err == nil && p.prefix.Contains(addr.Unmap())
	}
	if p.host == host {
		return true
	}
	return doublestar.MatchUnvalidated(p.host, host)
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}

// NetworkPolicy is a default-deny allow-list of outbound endpoints.
//
// Entries are "host:port" where host is an exact name, a glob such as
// "*.internal", an IP, or a CIDR range, and port is a number or "*".
// The first matching entry admits the connection; no match denies it.
type NetworkPolicy struct {
	lifecycle
	patterns    []endpointPattern
	resolver    Resolver
	dialTimeout time.Duration

	admittedMu sync.Mutex
	admitted   map[netip.AddrPort]struct{} // socket addresses reached through an allowed name
}

// NewNetworkPolicy parses the allow-list. An empty list denies everything.
func NewNetworkPolicy(allow []string, opts ...Option) (*NetworkPolicy, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &NetworkPolicy{
		resolver:    o.resolver,
		dialTimeout: o.dialTimeout,
		admitted:    make(map[netip.AddrPort]struct{}),
	}
	p.logger = o.logger
	p.onDeny = o.onDeny
	if p.resolver == nil {
		p.resolver = net.DefaultResolver
	}
	for _, entry := range allow {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		pat, err := parseEndpoint(entry)
		if err != nil {
			return nil, err
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

// Allowlist returns the configured entries in match order.
func (p *NetworkPolicy) Allowlist() []string {
	out := make([]string, len(p.patterns))
	for i, pat := range p.patterns {
		out[i] = pat.raw
	}
	return out
}

// ValidateConnection checks host:port against the allow-list without
// connecting. It returns a *NetworkViolation when the destination is not
// allowed.
func (p *NetworkPolicy) ValidateConnection(host string, port int) error {
	h := normalizeHost(host)
	for _, pat := range p.patterns {
		if pat.match(h, port) {
			return nil
		}
	}
	reason := "destination is not in the allow-list"
	if len(p.patterns) == 0 {
		reason = "allow-list is empty"
	}
	return &NetworkViolation{Host: host, Port: port, Reason: reason}
}

// DialContext is the guarded connect primitive. The destination is checked
// against the allow-list, resolved, and the concrete socket address is
// checked again at connect time by the dialer's Control hook.
func (p *NetworkPolicy) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := p.ensureActive(); err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port in address %q", address)
	}
	switch network {
	case "tcp", "tcp4", "tcp6", "udp", "udp4", "udp6":
	default:
		return nil, p.deny(&NetworkViolation{Host: host, Port: port, Reason: "network " + network + " is not supported"})
	}
	if err := p.ValidateConnection(host, port); err != nil {
		return nil, p.deny(err.(*NetworkViolation))
	}

	addrs, err := p.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	for _, addr := range addrs {
		p.admit(netip.AddrPortFrom(addr, uint16(port)))
	}

	dialer := &net.Dialer{Timeout: p.dialTimeout, Control: p.control}
	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, network, netip.AddrPortFrom(addr, uint16(port)).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// HTTPClient returns a client whose every connection goes through DialContext.
// Environment proxies are ignored.
func (p *NetworkPolicy) HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               nil,
			DialContext:         p.DialContext,
			DisableKeepAlives:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// NetworkDenials returns the network violations recorded so far.
func (p *NetworkPolicy) NetworkDenials() []*NetworkViolation {
	var out []*NetworkViolation
	for _, v := range p.Denials() {
		if nv, ok := v.(*NetworkViolation); ok {
			out = append(out, nv)
		}
	}
	return out
}

func (p *NetworkPolicy) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(normalizeHost(host)); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	names, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(names))
	for _, n := range names {
		addr, err := netip.ParseAddr(n)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr.Unmap())
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no usable addresses for %s", host)
	}
	return addrs, nil
}

func (p *NetworkPolicy) admit(ap netip.AddrPort) {
	p.admittedMu.Lock()
	p.admitted[ap] = struct{}{}
	p.admittedMu.Unlock()
}

// control runs after the socket is created and before connect(2).
// Only addresses admitted through an allowed name, or matched directly by
// the allow-list, may connect.
func (p *NetworkPolicy) control(_, address string, _ syscall.RawConn) error {
	if err := p.ensureActive(); err != nil {
		return err
	}
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("unexpected socket address %q: %w", address, err)
	}
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())

	p.admittedMu.Lock()
	_, ok := p.admitted[ap]
	p.admittedMu.Unlock()
	if ok {
		return nil
	}
	if p.ValidateConnection(ap.Addr().String(), int(ap.Port())) == nil {
		return nil
	}
	return p.deny(&NetworkViolation{
		Host:   ap.Addr().String(),
		Port:   int(ap.Port()),
		Reason: "socket address was not admitted by the allow-list",
	})
}
