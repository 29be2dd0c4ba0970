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
	"context"

	"github.com/google/uuid"
)

// ArtifactJob summarizes a bulk job run through the coalescing path.
type ArtifactJob struct {
	ID        string
	Outcomes  []Outcome
	Processed int64
	Failed    int
}

// RunArtifactJob submits one generate-artifact item per unit of work on priority under a
// fresh job id, then awaits them all. Outcomes are in works order.
func RunArtifactJob(ctx context.Context, s Submitter, priority Priority, works []ArtifactWork) (ArtifactJob, error) {
	job := ArtifactJob{ID: uuid.NewString()}
	futures := make([]*Future, 0, len(works))
	for _, w := range works {
		f, err := s.Enqueue(OpGenerateArtifact, ArtifactPayload{JobID: job.ID, Work: w}, priority)
		if err != nil {
			return job, err
		}
		futures = append(futures, f)
	}
	job.Outcomes = make([]Outcome, len(futures))
	for i, f := range futures {
		o := f.Await(ctx)
		job.Outcomes[i] = o
		if o.Fallback() {
			job.Failed++
			continue
		}
		if a, ok := o.Artifact(); ok && a.Processed > job.Processed {
			job.Processed = a.Processed
		}
	}
	return job, nil
}
