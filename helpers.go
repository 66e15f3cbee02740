package p2p

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

const (
	publicIPLookupURL = "https://ifconfig.me/ip"
	publicIPCacheTTL  = 10 * time.Minute
)

// publicIPResolver asks an echo service for this host's public IPv4 address.
// libp2p rebuilds the address list often, so answers are kept for ttl.
type publicIPResolver struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu      sync.Mutex
	ip      net.IP
	expires time.Time
}

func newPublicIPResolver(url string) *publicIPResolver {
	return &publicIPResolver{
		url: url,
		ttl: publicIPCacheTTL,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
					// the echo service must see our IPv4 address
					return (&net.Dialer{}).DialContext(ctx, "tcp4", addr)
				},
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (r *publicIPResolver) lookup(ctx context.Context) (net.IP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ip != nil && time.Now().Before(r.expires) {
		return r.ip, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req) //nolint:gosec // G704: URL is fixed at construction, not user-supplied
	if err != nil {
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public IP lookup returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(strings.TrimSpace(string(body))).To4()
	if ip == nil {
		return nil, fmt.Errorf("public IP lookup returned %q", body)
	}

	r.ip, r.expires = ip, time.Now().Add(r.ttl)

	return ip, nil
}

// parseBanAddress turns "ip", "ip:port" or "[ipv6]:port" into a single-host subnet.
// Host names are rejected; bans never trigger a DNS lookup.
func parseBanAddress(address string) (*net.IPNet, error) {
	host := strings.TrimSpace(address)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("not a numeric IP address: %q", address)
	}

	return hostSubnet(ip), nil
}

// parseUnbanAddress accepts a single IP (as parseBanAddress) or a CIDR subnet
func parseUnbanAddress(address string) (*net.IPNet, error) {
	if subnet, err := parseBanAddress(address); err == nil {
		return subnet, nil
	}

	_, subnet, err := net.ParseCIDR(strings.TrimSpace(address))
	if err != nil {
		return nil, fmt.Errorf("not an IP address or subnet: %q", address)
	}

	return subnet, nil
}

func hostSubnet(ip net.IP) *net.IPNet {
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}

	return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(128, 128)}
}

// hostProtocols are tried in order; a DNS name wins over an IP
var hostProtocols = []int{multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_IP4, multiaddr.P_IP6}

// getIPFromMultiaddr returns the host part of addr, which may be a DNS name
func getIPFromMultiaddr(addr multiaddr.Multiaddr) (string, error) {
	for _, code := range hostProtocols {
		if value, err := addr.ValueForProtocol(code); err == nil {
			return value, nil
		}
	}

	return "", fmt.Errorf("no IP or DNS component found in %s", addr)
}

// isPrivateIP reports whether addr is an IPv4 address in an RFC 1918 range
// or on the loopback network. Other addresses count as public.
func isPrivateIP(addr multiaddr.Multiaddr) bool {
	ip, err := manet.ToIP(addr)
	if err != nil || ip.To4() == nil {
		return false
	}

	return ip.IsPrivate() || ip.IsLoopback()
}
