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

package core

import (
	"time"

	"quotaengine/internal/quota/usage"
)

// Defaults maps an operation and its payload to the safe value handed back whenever the
// real result cannot be produced in time or at all.
type Defaults struct {
	Limits usage.Limits
	Now    func() time.Time
}

// NewDefaults returns a provider using limits for default records.
func NewDefaults(limits usage.Limits) *Defaults {
	if limits == nil {
		limits = usage.DefaultLimits()
	}
	return &Defaults{Limits: limits, Now: time.Now}
}

// Fallback returns the default value of kind for payload.
//
//	lookups and increments   a fresh default record for the identity
//	check-rate-limit         true (fail open)
//	token checks and writes  false
//	get-active-token         nil (no token)
//	reset, mapping, set      false
//	generate-artifact        an empty ArtifactResult for the job
//	unknown kinds            nil
func (d *Defaults) Fallback(kind OperationKind, payload any) any {
	switch kind {
	case OpGetUserData, OpGetUserDataByIP, OpIncrementUsage:
		id, _ := payload.(usage.Identity)
		return usage.NewDefault(id, d.Limits, d.now())
	case OpCheckRateLimit:
		return true
	case OpCheckActiveToken, OpSetActiveToken, OpRemoveActiveToken,
		OpSetUserData, OpResetDailyUsage, OpSetUsernameMap:
		return false
	case OpGetActiveToken:
		return nil
	case OpGenerateArtifact:
		p, _ := payload.(ArtifactPayload)
		return ArtifactResult{JobID: p.JobID}
	}
	return nil
}

// Outcome wraps the fallback of kind into a tagged outcome carrying reason.
func (d *Defaults) Outcome(kind OperationKind, payload any, reason error) Outcome {
	return Outcome{Kind: kind, Value: d.Fallback(kind, payload), Reason: reason}
}

func (d *Defaults) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}
