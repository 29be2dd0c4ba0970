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
	"strings"
)

// ErrNoIdentity is returned when neither a user id nor an ip address is available.
var ErrNoIdentity = errors.New("identity has neither user id nor ip address")

const (
	userKeyPrefix     = "user:"
	ipKeyPrefix       = "ip:"
	usernameKeyPrefix = "username:"
	rateKeyPrefix     = "rate:"
	jobKeyPrefix      = "job:"
)

// Keys layout helpers
func UserKey(id string) string { return userKeyPrefix + id }
func IPKey(ip string) string { return ipKeyPrefix + ip }
func RateKey(subject string) string { return rateKeyPrefix + subject }
func JobKey(jobID string) string { return jobKeyPrefix + jobID }
func JobResultsKey(jobID string) string { return jobKeyPrefix + jobID + ":results" }
func UsernameKey(username string) string { return usernameKeyPrefix + canonicalUsername(username) }

// IdentityPatterns are the SCAN patterns matching every record key.
func IdentityPatterns() []string {
	return []string{userKeyPrefix + "*", ipKeyPrefix + "*"}
}

func canonicalUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Shape classifies a cache key.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeUser
	ShapeIP
)

// KeyShape reports which record shape key has. Keys with an empty id or an ip that is
// not in normalized form are ShapeUnknown.
func KeyShape(key string) Shape {
	switch {
	case strings.HasPrefix(key, userKeyPrefix):
		id := key[len(userKeyPrefix):]
		if id == "" || id == AnonymousID || strings.Contains(id, ":") {
			return ShapeUnknown
		}
		return ShapeUser
	case strings.HasPrefix(key, ipKeyPrefix):
		raw := key[len(ipKeyPrefix):]
		ip, err := NormalizeIP(raw)
		if err != nil || ip != raw {
			return ShapeUnknown
		}
		return ShapeIP
	}
	return ShapeUnknown
}

// Identity names the subject of an operation. UserID takes precedence over IP when
// deriving the key; Username is resolved to a UserID through the username mapping.
type Identity struct {
	UserID   string
	Username string
	IP       string
	Tier     Tier
}

// Anonymous reports whether the identity carries no user id.
func (id Identity) Anonymous() bool {
	return id.UserID == "" || id.UserID == AnonymousID
}

// EffectiveTier returns the declared tier, or the anonymous/free default.
func (id Identity) EffectiveTier() Tier {
	if id.Tier.Valid() {
		return id.Tier
	}
	if id.Anonymous() {
		return TierAnonymous
	}
	return TierFree
}

// Key derives the canonical cache key of the identity.
func (id Identity) Key() (string, error) {
	if !id.Anonymous() {
		return UserKey(id.UserID), nil
	}
	if id.IP == "" {
		return "", ErrNoIdentity
	}
	ip, err := NormalizeIP(id.IP)
	if err != nil {
		return "", err
	}
	return IPKey(ip), nil
}
