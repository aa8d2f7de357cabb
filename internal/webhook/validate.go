// SPDX-License-Identifier: MIT

package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidURL marks a webhook target that must never be called.
var ErrInvalidURL = errors.New("webhook: invalid target url")

// lookupIP is swapped out in tests.
var lookupIP = net.LookupIP

// ValidateURL rejects targets that would let a webhook reach into the
// deployment's own network. Literal localhost forms are allowed for local
// development; any other host must not resolve to a non-public address.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("%w: address %s is not public", ErrInvalidURL, ip)
		}
		return nil
	}

	ips, err := lookupIP(host)
	if err != nil {
		return fmt.Errorf("%w: resolving %s: %v", ErrInvalidURL, host, err)
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return fmt.Errorf("%w: %s resolves to non-public address %s", ErrInvalidURL, host, ip)
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified() ||
		!ip.IsGlobalUnicast()
}
