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
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// ServerName name reported to clients in the welcome message
const ServerName = "httpnotify"

// ServerVersion version reported to clients in the welcome message
const ServerVersion = "1.0.0"

// Client command names
const (
	CommandSubscribe   = "subscribe"
	CommandUnsubscribe = "unsubscribe"
	CommandPing        = "ping"
)

// Server message types
const (
	MessageTypePong    = "pong"
	MessageTypeError   = "error"
	MessageTypeWelcome = "welcome"
)

// ==============================================================================

// ClientCommand a command sent by a client over its connection
type ClientCommand struct {
	// Command is the command name: "subscribe", "unsubscribe", "ping"
	Command string `json:"command"`
	// Collections is the list of collections for subscription commands
	Collections []string `json:"collections,omitempty"`
	// Data is optional additional data
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseClientCommand parse a raw client frame into a ClientCommand
func ParseClientCommand(data []byte) (ClientCommand, error) {
	if !utf8.Valid(data) {
		return ClientCommand{}, fmt.Errorf("Invalid UTF-8: frame is not valid UTF-8 text")
	}
	var cmd ClientCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("Invalid JSON: %s", err.Error())
	}
	return cmd, nil
}

// ==============================================================================

// ServerMessage a message sent by the server to a client
type ServerMessage struct {
	// Type is the message type
	Type string `json:"type"`
	// Timestamp is when the message was created, in nanoseconds since the Unix epoch
	Timestamp uint64 `json:"timestamp"`
	// Payload is the optional message payload
	Payload interface{} `json:"payload,omitempty"`
}

// ErrorPayload payload of an "error" message
type ErrorPayload struct {
	Error string `json:"error"`
}

// WelcomePayload payload of a "welcome" message
type WelcomePayload struct {
	ClientKey string `json:"client_key"`
	Server    string `json:"server"`
	Version   string `json:"version"`
}

func serializeServerMessage(msgType string, payload interface{}, at time.Time) ([]byte, error) {
	msg := ServerMessage{Type: msgType, Timestamp: TimestampNano(at), Payload: payload}
	serialized, err := json.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("Failed to serialize %s: %s", msgType, err.Error())
	}
	return serialized, nil
}

// CreatePong create a pong response message
func CreatePong(at time.Time) ([]byte, error) {
	return serializeServerMessage(MessageTypePong, nil, at)
}

// CreateError create an error message
func CreateError(errMsg string, at time.Time) ([]byte, error) {
	return serializeServerMessage(MessageTypeError, ErrorPayload{Error: errMsg}, at)
}

// CreateWelcome create the welcome message sent once a client connects
func CreateWelcome(clientKey string, at time.Time) ([]byte, error) {
	return serializeServerMessage(
		MessageTypeWelcome,
		WelcomePayload{ClientKey: clientKey, Server: ServerName, Version: ServerVersion},
		at,
	)
}

// ==============================================================================

// Notification a change notification for a document or asset within a collection
type Notification struct {
	// Type is the notification type, e.g. "doc_set", "doc_deleted", "asset_uploaded"
	Type string `json:"type" validate:"required"`
	// Collection is the collection the change happened in
	Collection string `json:"collection" validate:"required"`
	// Key is the document / asset key
	Key string `json:"key"`
	// Caller is the principal which made the change
	Caller string `json:"caller"`
	// Timestamp is when the change happened, in nanoseconds since the Unix epoch
	Timestamp uint64 `json:"timestamp"`
	// Data is optional additional data
	Data interface{} `json:"data,omitempty"`
}

// String toString function
func (n Notification) String() string {
	return fmt.Sprintf("%s@%s/%s", n.Type, n.Collection, n.Key)
}
