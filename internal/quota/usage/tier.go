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

import "time"

// Tier is the account plan of an identity. It decides the daily request limit.
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierAnonymous, TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Limits maps a tier to its daily request limit.
type Limits map[Tier]int64

// DefaultLimits returns the built-in tier limits.
func DefaultLimits() Limits {
	return Limits{
		TierAnonymous:  10,
		TierFree:       100,
		TierPro:        1000,
		TierEnterprise: 10000,
	}
}

// For returns the limit of t. Unknown or unconfigured tiers get the free limit,
// and if that is missing too the built-in free limit.
func (l Limits) For(t Tier) int64 {
	if v, ok := l[t]; ok && v > 0 {
		return v
	}
	if v, ok := l[TierFree]; ok && v > 0 {
		return v
	}
	return DefaultLimits()[TierFree]
}

// NewDefault constructs the record of a never-seen identity: a full quota and both
// timestamps at now.
func NewDefault(id Identity, limits Limits, now time.Time) Record {
	now = now.UTC()
	tier := id.EffectiveTier()
	rec := Record{
		ID:                AnonymousID,
		Username:          id.Username,
		Tier:              tier,
		RemainingRequests: limits.For(tier),
		LastRequestAt:     now,
		LastResetAt:       now,
	}
	if id.UserID != "" && id.UserID != AnonymousID {
		rec.ID = id.UserID
	}
	if id.IP != "" {
		if ip, err := NormalizeIP(id.IP); err == nil {
			rec.IPAddress = ip
		}
	}
	return rec
}
