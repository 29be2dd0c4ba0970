// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalidIP is returned for strings that do not contain an ip address.
var ErrInvalidIP = errors.New("invalid ip address")

// DefaultIPCacheSize bounds the package-level normalization cache.
const DefaultIPCacheSize = 4096

var defaultNormalizer = NewIPNormalizer(DefaultIPCacheSize)

// NormalizeIP normalizes raw with the package-level cached normalizer.
func NormalizeIP(raw string) (string, error) {
	return defaultNormalizer.Normalize(raw)
}

// IPNormalizer converts textual addresses to a canonical form and remembers the results.
// Canonical form: no port, no zone, IPv4-mapped IPv6 unmapped, IPv6 compressed lower-case.
type IPNormalizer struct {
	cache *lru.Cache[string, string]
}

// NewIPNormalizer returns a normalizer caching up to size results.
func NewIPNormalizer(size int) *IPNormalizer {
	if size <= 0 {
		size = DefaultIPCacheSize
	}
	c, err := lru.New[string, string](size)
	if err != nil {
		// Only fails for non-positive sizes, which are replaced above.
		panic("golang-lru: " + err.Error())
	}
	return &IPNormalizer{cache: c}
}

// Normalize returns the canonical form of raw. Invalid input is not cached.
func (n *IPNormalizer) Normalize(raw string) (string, error) {
	if v, ok := n.cache.Get(raw); ok {
		return v, nil
	}
	addr, err := parseAddr(raw)
	if err != nil {
		return "", err
	}
	out := addr.WithZone("").Unmap().String()
	n.cache.Add(raw, out)
	return out, nil
}

// Len reports the number of cached entries.
func (n *IPNormalizer) Len() int { return n.cache.Len() }

func parseAddr(raw string) (netip.Addr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return netip.Addr{}, ErrInvalidIP
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr, nil
	}
	// host:port and [v6]:port
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr(), nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		if addr, err := netip.ParseAddr(s[1 : len(s)-1]); err == nil {
			return addr, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidIP, raw)
}

// ClientIP picks the client address of a request: the first valid entry of an
// X-Forwarded-For value, otherwise the remote address. It returns "" if neither parses.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first := forwardedFor
		if idx := strings.IndexByte(first, ','); idx >= 0 {
			first = first[:idx]
		}
		if ip, err := NormalizeIP(first); err == nil {
			return ip
		}
	}
	if ip, err := NormalizeIP(remoteAddr); err == nil {
		return ip
	}
	return ""
}
