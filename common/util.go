// Copyright 2021-2022 The httpnotify Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"sync"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ==============================================================================

// Clock time source used by components which track activity
type Clock interface {
	// Now return the current time
	Now() time.Time
}

// systemClock implements Clock with the wall clock
type systemClock struct{}

// Now return the current time
func (c systemClock) Now() time.Time {
	return time.Now()
}

// GetSystemClock get the wall clock time source
func GetSystemClock() Clock {
	return systemClock{}
}

// ManualClock a Clock which only moves when instructed. Used for testing.
type ManualClock struct {
	lock    sync.Mutex
	current time.Time
}

// NewManualClock define a ManualClock starting at a given time
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{current: start}
}

// Now return the current time
func (c *ManualClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// Advance move the clock forward (or backward with a negative duration)
func (c *ManualClock) Advance(by time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(by)
}

// ElapsedSince the time passed between "then" and "now". A "then" later than "now" is
// treated as zero elapsed time, so clock skew never yields a huge positive value.
func ElapsedSince(now, then time.Time) time.Duration {
	if now.Before(then) {
		return 0
	}
	return now.Sub(then)
}

// TimestampNano time as unsigned nanoseconds since the Unix epoch
func TimestampNano(t time.Time) uint64 {
	ns := t.UnixNano()
	if ns < 0 {
		return 0
	}
	return uint64(ns)
}
