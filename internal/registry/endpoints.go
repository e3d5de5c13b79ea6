package registry

import (
	"net"
	"net/url"
	"strings"
)

const (
	// Default aggregator API root. Deployments that proxy the aggregator
	// (hiding the API key behind their own server) override this per config.
	AggregatorBaseURL = "https://api.1inch.dev/swap/v6.0"
)

// IsAllowedAggregatorURL reports whether an aggregator base URL override is
// acceptable: loopback hosts may use plain http (local proxies, tests);
// anything else must be https with a resolvable host.
func IsAllowedAggregatorURL(endpoint string) bool {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return true
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return false
	}
	host := strings.TrimSpace(parsed.Hostname())
	if host == "" {
		return false
	}
	if isLoopbackHost(host) {
		scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
		return scheme == "" || scheme == "http" || scheme == "https"
	}
	return strings.EqualFold(strings.TrimSpace(parsed.Scheme), "https")
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
