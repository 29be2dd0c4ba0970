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

// Package usage holds the canonical usage record shape shared by the batching engine,
// the backing-store executors and the reconciliation job, together with the helpers that
// derive cache keys from identities.
package usage

import (
	"fmt"
	"strconv"
	"time"
)

// RecordTTL is re-applied to a record hash on every write.
const RecordTTL = 24 * time.Hour

// AnonymousID is the identity id stored on records keyed by ip address.
const AnonymousID = "-1"

// Hash field names of a record stored in the backing store.
const (
	FieldID                = "id"
	FieldUsername          = "username"
	FieldIPAddress         = "ip_address"
	FieldTier              = "tier"
	FieldRequestsToday     = "requests_today"
	FieldRemainingRequests = "remaining_requests"
	FieldLastRequest       = "last_request"
	FieldLastReset         = "last_reset"
	FieldActiveToken       = "active_token"
)

// requiredFields must all be present for a stored hash to decode.
var requiredFields = []string{
	FieldID,
	FieldIPAddress,
	FieldTier,
	FieldRequestsToday,
	FieldRemainingRequests,
	FieldLastRequest,
	FieldLastReset,
}

// TimeLayout is the wire format of record timestamps.
const TimeLayout = time.RFC3339Nano

// Record is the per-identity usage state kept in the backing store.
type Record struct {
	ID                string    `json:"id"`
	Username          string    `json:"username"`
	IPAddress         string    `json:"ip_address,omitempty"`
	Tier              Tier      `json:"tier"`
	RequestsToday     int64     `json:"requests_today"`
	RemainingRequests int64     `json:"remaining_requests"`
	LastRequestAt     time.Time `json:"last_request"`
	LastResetAt       time.Time `json:"last_reset"`
}

// Anonymous reports whether the record is keyed by ip address.
func (r Record) Anonymous() bool {
	return r.ID == "" || r.ID == AnonymousID
}

// Key returns the cache key of the record.
// User records are keyed by id; anonymous records by their normalized ip address.
func (r Record) Key() (string, error) {
	if !r.Anonymous() {
		return UserKey(r.ID), nil
	}
	if r.IPAddress == "" {
		return "", ErrNoIdentity
	}
	ip, err := NormalizeIP(r.IPAddress)
	if err != nil {
		return "", fmt.Errorf("record ip %q: %w", r.IPAddress, err)
	}
	return IPKey(ip), nil
}

// Normalized returns r with its ip address in canonical form. An invalid address is an
// error only for anonymous records, which are keyed by it.
func (r Record) Normalized() (Record, error) {
	if r.IPAddress == "" {
		return r, nil
	}
	ip, err := NormalizeIP(r.IPAddress)
	if err != nil {
		if r.Anonymous() {
			return r, fmt.Errorf("record ip %q: %w", r.IPAddress, err)
		}
		return r, nil
	}
	r.IPAddress = ip
	return r, nil
}

// Fields flattens the record into field/value pairs suitable for HSET.
func (r Record) Fields() []interface{} {
	id := r.ID
	if id == "" {
		id = AnonymousID
	}
	return []interface{}{
		FieldID, id,
		FieldUsername, r.Username,
		FieldIPAddress, r.IPAddress,
		FieldTier, string(r.Tier),
		FieldRequestsToday, r.RequestsToday,
		FieldRemainingRequests, r.RemainingRequests,
		FieldLastRequest, r.LastRequestAt.UTC().Format(TimeLayout),
		FieldLastReset, r.LastResetAt.UTC().Format(TimeLayout),
	}
}

// DecodeError reports a stored record that violates the wire contract.
type DecodeError struct {
	Key   string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode record %s: field %s: %v", e.Key, e.Field, e.Err)
	}
	return fmt.Sprintf("decode record %s: missing field %s", e.Key, e.Field)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode builds a record from a stored hash. Any missing required field or unparseable
// value is a protocol violation and returns a *DecodeError.
func Decode(key string, fields map[string]string) (Record, error) {
	for _, f := range requiredFields {
		if _, ok := fields[f]; !ok {
			return Record{}, &DecodeError{Key: key, Field: f}
		}
	}
	rec := Record{
		ID:        fields[FieldID],
		Username:  fields[FieldUsername],
		IPAddress: fields[FieldIPAddress],
		Tier:      Tier(fields[FieldTier]),
	}
	var err error
	if rec.RequestsToday, err = strconv.ParseInt(fields[FieldRequestsToday], 10, 64); err != nil {
		return Record{}, &DecodeError{Key: key, Field: FieldRequestsToday, Err: err}
	}
	if rec.RemainingRequests, err = strconv.ParseInt(fields[FieldRemainingRequests], 10, 64); err != nil {
		return Record{}, &DecodeError{Key: key, Field: FieldRemainingRequests, Err: err}
	}
	if rec.LastRequestAt, err = time.Parse(TimeLayout, fields[FieldLastRequest]); err != nil {
		return Record{}, &DecodeError{Key: key, Field: FieldLastRequest, Err: err}
	}
	if rec.LastResetAt, err = time.Parse(TimeLayout, fields[FieldLastReset]); err != nil {
		return Record{}, &DecodeError{Key: key, Field: FieldLastReset, Err: err}
	}
	rec.LastRequestAt = rec.LastRequestAt.UTC()
	rec.LastResetAt = rec.LastResetAt.UTC()
	return rec, nil
}

// DecodeFlat decodes the flat field/value list returned by the atomic scripts (HGETALL order).
func DecodeFlat(key string, flat []interface{}) (Record, error) {
	if len(flat)%2 != 0 {
		return Record{}, &DecodeError{Key: key, Field: "*", Err: fmt.Errorf("odd reply length %d", len(flat))}
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		name, ok := flat[i].(string)
		if !ok {
			return Record{}, &DecodeError{Key: key, Field: "*", Err: fmt.Errorf("non-string field name %T", flat[i])}
		}
		switch v := flat[i+1].(type) {
		case string:
			fields[name] = v
		case int64:
			fields[name] = strconv.FormatInt(v, 10)
		default:
			return Record{}, &DecodeError{Key: key, Field: name, Err: fmt.Errorf("unexpected value type %T", v)}
		}
	}
	return Decode(key, fields)
}
