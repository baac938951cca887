// Copyright 2026 The Slotgate Authors
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

package dedup

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Result carries the outcome of a deduplicated execution. Shared is true for
// callers that joined an execution started by someone else.
type Result struct {
	Value  any
	Err    error
	Shared bool
}

// Registry coalesces concurrent executions of the same logical key to a
// single flight. The first caller for a key executes; callers arriving while
// that flight is live block cooperatively on its handle and receive the same
// result or error, delivered exactly once each. The entry is removed when
// the flight completes, so backing-store work is bounded to one execution
// per key regardless of fan-in.
type Registry struct {
	group singleflight.Group
}

// NewRegistry creates a new dedup registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DoChan joins or starts the flight for key and returns a channel that
// delivers its result exactly once. fn runs in its own goroutine; it is
// never cancelled by a joining caller's context.
func (r *Registry) DoChan(key string, fn func() (any, error)) <-chan Result {
	flight := r.group.DoChan(key, fn)

	out := make(chan Result, 1)
	go func() {
		res := <-flight
		out <- Result{Value: res.Val, Err: res.Err, Shared: res.Shared}
	}()
	return out
}

// Do joins or starts the flight for key and waits for its result. The wait
// is abandoned (not the flight) when ctx is done: the execution itself
// always runs to completion for the remaining waiters.
func (r *Registry) Do(ctx context.Context, key string, fn func() (any, error)) (Result, error) {
	select {
	case res := <-r.DoChan(key, fn):
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Forget removes the in-flight entry for key so the next caller starts a
// fresh execution instead of joining.
func (r *Registry) Forget(key string) {
	r.group.Forget(key)
}
