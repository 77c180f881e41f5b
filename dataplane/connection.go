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

package dataplane

import (
	"context"
	"fmt"
	"strings"

	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Plain-text command shorthands
const (
	subscribeShorthand   = "subscribe:"
	unsubscribeShorthand = "unsubscribe:"
)

// ClientReader is the read side of a client connection. *websocket.Conn satisfies this
// interface.
type ClientReader interface {
	// ReadMessage read the next message from the client
	ReadMessage() (messageType int, p []byte, err error)
}

// ConnectionHandler applies the connection lifecycle events of a client to the session
// registry
type ConnectionHandler interface {
	// OnOpen a client connected
	OnOpen(ctxt context.Context, clientKey, principal string)
	// OnMessage a client sent a message
	OnMessage(ctxt context.Context, clientKey string, data []byte)
	// OnClose a client disconnected
	OnClose(ctxt context.Context, clientKey string)
	// Serve run a client connection until it is closed. Blocks.
	Serve(ctxt context.Context, param common.ConnectionParam, conn ClientReader) error
}

// connectionHandlerImpl implements ConnectionHandler
type connectionHandlerImpl struct {
	common.Component
	registry subscription.SessionRegistry
	gateway  WebSocketGateway
	clock    common.Clock
}

// DefineConnectionHandler create new connection handler
func DefineConnectionHandler(
	instance string,
	registry subscription.SessionRegistry,
	gateway WebSocketGateway,
	clock common.Clock,
) (ConnectionHandler, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "connection-handler", "instance": instance,
	}
	if clock == nil {
		clock = common.GetSystemClock()
	}
	return &connectionHandlerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		gateway:   gateway,
		clock:     clock,
	}, nil
}

// OnOpen register the client, and greet it
func (h *connectionHandlerImpl) OnOpen(ctxt context.Context, clientKey, principal string) {
	h.openSession(ctxt, clientKey, principal, "")
}

// openSession register the client as owned by a connection, and greet it
func (h *connectionHandlerImpl) openSession(
	ctxt context.Context, clientKey, principal, connectionID string,
) {
	localLogTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		localLogTags = h.LogTags
	}
	h.registry.RegisterConnection(clientKey, principal, connectionID)
	log.WithFields(localLogTags).Infof("Client %s connected", clientKey)
	welcome, err := common.CreateWelcome(clientKey, h.clock.Now())
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to build welcome message")
		return
	}
	h.gateway.QueueMessage(clientKey, welcome)
}

// OnMessage process one client message
func (h *connectionHandlerImpl) OnMessage(ctxt context.Context, clientKey string, data []byte) {
	localLogTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		localLogTags = h.LogTags
	}
	h.registry.UpdateActivity(clientKey)

	text := string(data)
	if strings.HasPrefix(text, subscribeShorthand) {
		collection := strings.TrimPrefix(text, subscribeShorthand)
		h.registry.Subscribe(clientKey, []string{collection})
		log.WithFields(localLogTags).Debugf("Client %s subscribed to %s", clientKey, collection)
		return
	}
	if strings.HasPrefix(text, unsubscribeShorthand) {
		collection := strings.TrimPrefix(text, unsubscribeShorthand)
		h.registry.Unsubscribe(clientKey, []string{collection})
		log.WithFields(localLogTags).Debugf("Client %s unsubscribed from %s", clientKey, collection)
		return
	}

	cmd, err := common.ParseClientCommand(data)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Warnf("Unreadable message from %s", clientKey)
		h.replyError(localLogTags, clientKey, err.Error())
		return
	}

	switch cmd.Command {
	case common.CommandSubscribe:
		if cmd.Collections == nil {
			h.replyError(localLogTags, clientKey, "Missing collections")
			return
		}
		h.registry.Subscribe(clientKey, cmd.Collections)
		log.WithFields(localLogTags).Debugf(
			"Client %s subscribed to %v", clientKey, cmd.Collections,
		)
	case common.CommandUnsubscribe:
		if cmd.Collections == nil {
			h.replyError(localLogTags, clientKey, "Missing collections")
			return
		}
		h.registry.Unsubscribe(clientKey, cmd.Collections)
		log.WithFields(localLogTags).Debugf(
			"Client %s unsubscribed from %v", clientKey, cmd.Collections,
		)
	case common.CommandPing:
		pong, err := common.CreatePong(h.clock.Now())
		if err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf("Unable to build pong message")
			return
		}
		h.gateway.QueueMessage(clientKey, pong)
	default:
		h.replyError(localLogTags, clientKey, fmt.Sprintf("Unknown command: %s", cmd.Command))
	}
}

// replyError send an error message to a client
func (h *connectionHandlerImpl) replyError(logTags log.Fields, clientKey, errMsg string) {
	msg, err := common.CreateError(errMsg, h.clock.Now())
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to build error message")
		return
	}
	h.gateway.QueueMessage(clientKey, msg)
}

// OnClose remove the client's session
func (h *connectionHandlerImpl) OnClose(ctxt context.Context, clientKey string) {
	localLogTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		localLogTags = h.LogTags
	}
	if _, ok := h.registry.Remove(clientKey); ok {
		log.WithFields(localLogTags).Infof("Client %s disconnected", clientKey)
	}
}

// Serve run a client connection until it is closed
func (h *connectionHandlerImpl) Serve(
	ctxt context.Context, param common.ConnectionParam, conn ClientReader,
) error {
	ctxt = common.WithConnectionParam(ctxt, param)
	localLogTags, err := common.UpdateLogTags(ctxt, h.LogTags)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf("Failed to update logtags")
		return err
	}
	writeSide, ok := conn.(ClientConnection)
	if !ok {
		return fmt.Errorf("connection of client %s is not writable", param.ClientKey)
	}
	connectionID := uuid.NewString()
	if err := h.gateway.Attach(param.ClientKey, connectionID, writeSide); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to attach connection")
		_ = writeSide.Close()
		return err
	}
	h.openSession(ctxt, param.ClientKey, param.Principal, connectionID)

	var readErr error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.OnMessage(ctxt, param.ClientKey, data)
	}

	h.gateway.Detach(param.ClientKey, writeSide)
	// A reconnect under the same key owns the session from then on
	if _, ok := h.registry.RemoveConnection(param.ClientKey, connectionID); ok {
		log.WithFields(localLogTags).Infof("Client %s disconnected", param.ClientKey)
	}
	if websocket.IsCloseError(
		readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway,
	) {
		return nil
	}
	log.WithError(readErr).WithFields(localLogTags).Debug("Connection read ended")
	return nil
}
