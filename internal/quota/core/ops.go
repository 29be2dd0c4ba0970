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

// Package core implements the request-coalescing engine: per-priority batch processors
// that buffer operations, flush them as grouped backing-store round trips and resolve
// one future per caller, plus the coordinator that owns every tier.
package core

import (
	"context"
	"time"

	"quotaengine/internal/quota/usage"
)

// OperationKind names an operation the engine knows how to batch.
type OperationKind string

const (
	OpGetUserData       OperationKind = "get-user-data"
	OpGetUserDataByIP   OperationKind = "get-user-data-by-ip"
	OpSetUserData       OperationKind = "set-user-data"
	OpIncrementUsage    OperationKind = "increment-usage"
	OpCheckRateLimit    OperationKind = "check-rate-limit"
	OpCheckActiveToken  OperationKind = "check-active-token"
	OpGetActiveToken    OperationKind = "get-active-token"
	OpSetActiveToken    OperationKind = "set-active-token"
	OpRemoveActiveToken OperationKind = "remove-active-token"
	OpResetDailyUsage   OperationKind = "reset-daily-usage"
	OpSetUsernameMap    OperationKind = "set-username-mapping"
	OpGenerateArtifact  OperationKind = "generate-artifact"
)

// Payload shapes per kind:
//
//	get-user-data, get-user-data-by-ip, increment-usage,
//	get-active-token, remove-active-token        usage.Identity
//	set-user-data                                usage.Record
//	check-rate-limit                             RateLimitPayload
//	check-active-token, set-active-token         TokenPayload
//	reset-daily-usage                            ResetPayload
//	set-username-mapping                         UsernameMapping
//	generate-artifact                            ArtifactPayload

// TokenPayload carries the token to compare or store on an identity's record.
type TokenPayload struct {
	Identity usage.Identity
	Token    string
}

// RateLimitPayload asks whether Subject stayed within Limit hits over the trailing Window.
type RateLimitPayload struct {
	Subject string
	Window  time.Duration
	Limit   int64
}

// ResetPayload lists the record keys whose daily counters are reset. With a non-zero
// Before only records last reset on an earlier UTC day than Before are touched, so a
// repeated reset for the same day leaves already reset records alone.
type ResetPayload struct {
	Keys   []string
	Before time.Time
}

// UsernameMapping binds a username to a user id in the cache.
type UsernameMapping struct {
	Username string
	UserID   string
}

// ArtifactWork is a caller-supplied unit of work run by a generate-artifact item.
type ArtifactWork func(ctx context.Context) ([]byte, error)

// ArtifactPayload runs Work on behalf of the bulk job JobID.
type ArtifactPayload struct {
	JobID string
	Work  ArtifactWork
}

// ArtifactResult is the value of a generate-artifact item. Processed is the job's
// processed-count after this item was recorded.
type ArtifactResult struct {
	JobID     string
	Processed int64
	Data      []byte
}
