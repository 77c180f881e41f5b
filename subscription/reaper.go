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

package subscription

import (
	"github.com/alwitt/httpnotify/common"
	"github.com/apex/log"
)

// ConnectionCloser closes the transport connection of a client
type ConnectionCloser interface {
	// DisconnectConnection close the connection of a client, only if it is still the
	// connection with the given ID. Returns whether a connection was closed.
	DisconnectConnection(clientKey, connectionID string) bool
}

// StaleReaper removes client sessions which have been inactive for too long
type StaleReaper interface {
	// CleanupStale remove all stale sessions, and return the number removed
	CleanupStale() int
	// TimerHandler CleanupStale in the shape of a goutils.TimeoutHandler
	TimerHandler() error
}

// staleReaperImpl implements StaleReaper
type staleReaperImpl struct {
	common.Component
	registry SessionRegistry
	closer   ConnectionCloser
}

// DefineStaleReaper create new stale session reaper. "closer" is optional; when
// provided, the connections of the removed sessions are closed as well.
func DefineStaleReaper(
	instance string, registry SessionRegistry, closer ConnectionCloser,
) (StaleReaper, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "stale-reaper", "instance": instance,
	}
	return &staleReaperImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		closer:    closer,
	}, nil
}

// CleanupStale remove all stale sessions
func (r *staleReaperImpl) CleanupStale() int {
	removed := r.registry.ClearInactiveSessions()
	if len(removed) == 0 {
		return 0
	}
	if r.closer != nil {
		for _, session := range removed {
			if session.ConnectionID == "" {
				continue
			}
			r.closer.DisconnectConnection(session.ClientKey, session.ConnectionID)
		}
	}
	log.WithFields(r.LogTags).Infof("Cleaned up %d stale clients", len(removed))
	return len(removed)
}

// TimerHandler run CleanupStale on behalf of an interval timer
func (r *staleReaperImpl) TimerHandler() error {
	_ = r.CleanupStale()
	return nil
}
