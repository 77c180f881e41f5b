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
	"context"
	"fmt"

	"github.com/apex/log"
)

// ConnectionParam is a helper object for logging a client connection's parameters
// into its context
type ConnectionParam struct {
	// ClientKey is the client's unique key
	ClientKey string `json:"client_key"`
	// Principal is the principal owning the connection
	Principal string `json:"principal"`
	// RemoteAddr is the address of the remote end
	RemoteAddr string `json:"remote_addr"`
}

// connectionParamKey context key for ConnectionParam
type connectionParamKey struct{}

// WithConnectionParam attach a ConnectionParam to a context
func WithConnectionParam(ctxt context.Context, param ConnectionParam) context.Context {
	return context.WithValue(ctxt, connectionParamKey{}, param)
}

// updateLogTags updates Apex log.Fields map with values the connection's parameters
func (i *ConnectionParam) updateLogTags(tags log.Fields) {
	tags["client_key"] = i.ClientKey
	tags["principal"] = i.Principal
	tags["remote_addr"] = fmt.Sprintf("'%s'", i.RemoteAddr)
}

// UpdateLogTags return a copy of the log tags, enriched with the ConnectionParam
// stored in the context, if any.
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt.Value(connectionParamKey{}) != nil {
		v, ok := ctxt.Value(connectionParamKey{}).(ConnectionParam)
		if !ok {
			return nil, fmt.Errorf("connection context value is not ConnectionParam")
		}
		v.updateLogTags(newLogTags)
	}
	return newLogTags, nil
}
