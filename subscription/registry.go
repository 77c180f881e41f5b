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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/httpnotify/common"
	"github.com/apex/log"
)

// DefaultActivityTimeout how long a client may stay silent before its session is stale
const DefaultActivityTimeout = time.Minute * 5

// DefaultReapInterval how often stale sessions should be cleaned up
const DefaultReapInterval = time.Minute

// ClientSession entry detailing one connected client
type ClientSession struct {
	// ClientKey is the client's unique key
	ClientKey string `json:"client_key" validate:"required"`
	// Principal is the principal owning the connection
	Principal string `json:"principal"`
	// ConnectedAt is when the session was created
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivity is the last time the client did anything
	LastActivity time.Time `json:"last_activity"`
	// Subscriptions is the set of collections the client is interested in. If empty,
	// the client receives notifications from all collections.
	Subscriptions []string `json:"subscriptions"`
	// ConnectionID identifies the transport connection the session belongs to. Empty if
	// the session is not bound to a connection.
	ConnectionID string `json:"connection_id,omitempty"`
}

// copy deep copy of the session
func (s *ClientSession) copy() ClientSession {
	result := *s
	result.Subscriptions = make([]string, len(s.Subscriptions))
	copy(result.Subscriptions, s.Subscriptions)
	return result
}

// String toString function
func (s ClientSession) String() string {
	return fmt.Sprintf("%s[%s]%v", s.ClientKey, s.Principal, s.Subscriptions)
}

// ClientStats summary of the client sessions
type ClientStats struct {
	// TotalClients is the number of sessions
	TotalClients int `json:"total_clients"`
	// ActiveSessions is the number of sessions which are not stale
	ActiveSessions int `json:"active_sessions"`
	// TotalSubscriptions is the sum of all the sessions' subscription counts
	TotalSubscriptions int `json:"total_subscriptions"`
}

// ========================================================================================

// SessionRegistry tracks the client sessions. All the returned sessions are copies.
type SessionRegistry interface {
	// Register record a new client session, replacing any existing session with the same key
	Register(clientKey string, principal string)
	// RegisterConnection record a new client session bound to a transport connection,
	// replacing any existing session with the same key
	RegisterConnection(clientKey, principal, connectionID string)
	// UpdateActivity mark a client as active now. No-op for unknown clients.
	UpdateActivity(clientKey string)
	// Remove delete a client session, returning the deleted session
	Remove(clientKey string) (ClientSession, bool)
	// RemoveConnection delete a client session only if it still belongs to the
	// connection, returning the deleted session
	RemoveConnection(clientKey, connectionID string) (ClientSession, bool)
	// Get fetch a client session
	Get(clientKey string) (ClientSession, bool)
	// GetAll fetch all client sessions
	GetAll() []ClientSession
	// Subscribe add collections to a client's subscriptions. No-op for unknown clients.
	Subscribe(clientKey string, collections []string)
	// Unsubscribe remove collections from a client's subscriptions. No-op for unknown
	// clients.
	Unsubscribe(clientKey string, collections []string)
	// GetSubscribers fetch all client sessions which should receive notifications for a
	// collection
	GetSubscribers(collection string) []ClientSession
	// Count number of client sessions
	Count() int
	// Stats client session statistics
	Stats() ClientStats
	// ActivityTimeout the inactivity period after which a session is stale
	ActivityTimeout() time.Duration
	// ClearInactiveSessions remove and return all sessions which have not been active for
	// longer than the activity timeout
	ClearInactiveSessions() []ClientSession
}

// sessionRegistryImpl implements SessionRegistry
type sessionRegistryImpl struct {
	common.Component
	lock            sync.RWMutex
	sessions        map[string]*ClientSession
	clock           common.Clock
	activityTimeout time.Duration
}

// DefineSessionRegistry create new client session registry
func DefineSessionRegistry(
	instance string, activityTimeout time.Duration, clock common.Clock,
) (SessionRegistry, error) {
	logTags := log.Fields{
		"module": "subscription", "component": "session-registry", "instance": instance,
	}
	if activityTimeout <= 0 {
		return nil, fmt.Errorf("activity timeout must be positive: %s", activityTimeout)
	}
	if clock == nil {
		clock = common.GetSystemClock()
	}
	return &sessionRegistryImpl{
		Component:       common.Component{LogTags: logTags},
		sessions:        make(map[string]*ClientSession),
		clock:           clock,
		activityTimeout: activityTimeout,
	}, nil
}

// Register record a new client session
func (r *sessionRegistryImpl) Register(clientKey string, principal string) {
	r.RegisterConnection(clientKey, principal, "")
}

// RegisterConnection record a new client session bound to a transport connection
func (r *sessionRegistryImpl) RegisterConnection(clientKey, principal, connectionID string) {
	now := r.clock.Now()
	session := &ClientSession{
		ClientKey:     clientKey,
		Principal:     principal,
		ConnectedAt:   now,
		LastActivity:  now,
		Subscriptions: []string{},
		ConnectionID:  connectionID,
	}
	r.lock.Lock()
	_, replaced := r.sessions[clientKey]
	r.sessions[clientKey] = session
	r.lock.Unlock()
	if replaced {
		log.WithFields(r.LogTags).Infof("Client %s re-registered by %s", clientKey, principal)
	} else {
		log.WithFields(r.LogTags).Infof("Client %s registered by %s", clientKey, principal)
	}
}

// UpdateActivity mark a client as active now
func (r *sessionRegistryImpl) UpdateActivity(clientKey string) {
	now := r.clock.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	if session, ok := r.sessions[clientKey]; ok {
		session.LastActivity = now
	}
}

// Remove delete a client session
func (r *sessionRegistryImpl) Remove(clientKey string) (ClientSession, bool) {
	r.lock.Lock()
	session, ok := r.sessions[clientKey]
	if ok {
		delete(r.sessions, clientKey)
	}
	r.lock.Unlock()
	if !ok {
		return ClientSession{}, false
	}
	log.WithFields(r.LogTags).Infof("Client %s removed", clientKey)
	return session.copy(), true
}

// RemoveConnection delete a client session if it still belongs to the connection
func (r *sessionRegistryImpl) RemoveConnection(
	clientKey, connectionID string,
) (ClientSession, bool) {
	r.lock.Lock()
	session, ok := r.sessions[clientKey]
	if ok && session.ConnectionID != connectionID {
		r.lock.Unlock()
		log.WithFields(r.LogTags).Debugf(
			"Client %s now belongs to connection %s, keeping it", clientKey, session.ConnectionID,
		)
		return ClientSession{}, false
	}
	if ok {
		delete(r.sessions, clientKey)
	}
	r.lock.Unlock()
	if !ok {
		return ClientSession{}, false
	}
	log.WithFields(r.LogTags).Infof("Client %s removed with connection %s", clientKey, connectionID)
	return session.copy(), true
}

// Get fetch a client session
func (r *sessionRegistryImpl) Get(clientKey string) (ClientSession, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	session, ok := r.sessions[clientKey]
	if !ok {
		return ClientSession{}, false
	}
	return session.copy(), true
}

// GetAll fetch all client sessions
func (r *sessionRegistryImpl) GetAll() []ClientSession {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]ClientSession, 0, len(r.sessions))
	for _, session := range r.sessions {
		result = append(result, session.copy())
	}
	return result
}

// Subscribe add collections to a client's subscriptions
func (r *sessionRegistryImpl) Subscribe(clientKey string, collections []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	session, ok := r.sessions[clientKey]
	if !ok {
		return
	}
	for _, collection := range collections {
		if !containsCollection(session.Subscriptions, collection) {
			session.Subscriptions = append(session.Subscriptions, collection)
		}
	}
	log.WithFields(r.LogTags).Debugf("Client %s subscribed to %v", clientKey, collections)
}

// Unsubscribe remove collections from a client's subscriptions
func (r *sessionRegistryImpl) Unsubscribe(clientKey string, collections []string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	session, ok := r.sessions[clientKey]
	if !ok {
		return
	}
	kept := make([]string, 0, len(session.Subscriptions))
	for _, subscribed := range session.Subscriptions {
		if !containsCollection(collections, subscribed) {
			kept = append(kept, subscribed)
		}
	}
	session.Subscriptions = kept
	log.WithFields(r.LogTags).Debugf("Client %s unsubscribed from %v", clientKey, collections)
}

// GetSubscribers fetch all client sessions which match a collection
func (r *sessionRegistryImpl) GetSubscribers(collection string) []ClientSession {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := []ClientSession{}
	for _, session := range r.sessions {
		if Matches(session, collection) {
			result = append(result, session.copy())
		}
	}
	return result
}

// Count number of client sessions
func (r *sessionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.sessions)
}

// Stats client session statistics
func (r *sessionRegistryImpl) Stats() ClientStats {
	now := r.clock.Now()
	r.lock.RLock()
	defer r.lock.RUnlock()
	stats := ClientStats{TotalClients: len(r.sessions)}
	for _, session := range r.sessions {
		stats.TotalSubscriptions += len(session.Subscriptions)
		if common.ElapsedSince(now, session.LastActivity) < r.activityTimeout {
			stats.ActiveSessions++
		}
	}
	return stats
}

// ActivityTimeout the inactivity period after which a session is stale
func (r *sessionRegistryImpl) ActivityTimeout() time.Duration {
	return r.activityTimeout
}

// ClearInactiveSessions remove and return all the stale sessions
func (r *sessionRegistryImpl) ClearInactiveSessions() []ClientSession {
	now := r.clock.Now()
	r.lock.Lock()
	defer r.lock.Unlock()
	removed := []ClientSession{}
	for clientKey, session := range r.sessions {
		timePassed := common.ElapsedSince(now, session.LastActivity)
		if timePassed > r.activityTimeout {
			log.WithFields(r.LogTags).Infof(
				"Client %s session last active at %s. Inactive for %s",
				clientKey,
				session.LastActivity.Format(time.RFC3339),
				timePassed,
			)
			removed = append(removed, session.copy())
		}
	}
	// Remove them from record
	for _, session := range removed {
		delete(r.sessions, session.ClientKey)
	}
	return removed
}
