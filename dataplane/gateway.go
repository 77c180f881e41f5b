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
	"sync"
	"time"

	"github.com/alwitt/httpnotify/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// ClientConnection is the transport connection of one client. *websocket.Conn satisfies
// this interface.
type ClientConnection interface {
	// WriteMessage write one message to the client
	WriteMessage(messageType int, data []byte) error
	// SetWriteDeadline set the deadline of the next write
	SetWriteDeadline(t time.Time) error
	// Close close the connection
	Close() error
}

// WebSocketGateway delivers messages to the clients connected through WebSocket
type WebSocketGateway interface {
	// Init start the gateway. Messages are only accepted after Init.
	Init() error
	// IsReady whether the gateway is able to deliver messages
	IsReady() bool
	// GatewayURL the URL clients should use to connect
	GatewayURL() string
	// Config get the current gateway config
	Config() common.GatewayConfig
	// SetConfig replace the gateway config
	SetConfig(config common.GatewayConfig) error
	// Attach start tracking the live connection of a client. An existing connection
	// with the same client key is closed.
	Attach(clientKey, connectionID string, conn ClientConnection) error
	// Detach stop tracking the connection of a client, if it is still the one attached.
	// Returns false only if another connection has since been attached for the client.
	Detach(clientKey string, conn ClientConnection) bool
	// QueueMessage queue a message for delivery to a client. Returns whether the message
	// was accepted.
	QueueMessage(clientKey string, data []byte) bool
	// Broadcast queue a message for delivery to multiple clients. Returns the number of
	// clients the message was queued for.
	Broadcast(clientKeys []string, data []byte) int
	// Disconnect close the connection of a client, if it has one
	Disconnect(clientKey string)
	// DisconnectConnection close the connection of a client, only if it is still the
	// connection with the given ID
	DisconnectConnection(clientKey, connectionID string) bool
	// Connections number of live connections
	Connections() int
	// Shutdown close every connection, and stop accepting messages
	Shutdown()
}

// clientWriter owns the write side of one client connection
type clientWriter struct {
	clientKey    string
	connectionID string
	conn         ClientConnection
	sendQueue chan []byte
	ctxt      context.Context
	cancel    context.CancelFunc
}

// webSocketGatewayImpl implements WebSocketGateway
type webSocketGatewayImpl struct {
	common.Component
	lock     sync.RWMutex
	config   common.GatewayConfig
	ready    bool
	writers  map[string]*clientWriter
	validate *validator.Validate
	rootCtxt context.Context
	wg       *sync.WaitGroup
}

// DefineWebSocketGateway create new WebSocket delivery gateway
func DefineWebSocketGateway(
	instance string,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	config common.GatewayConfig,
) (WebSocketGateway, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "websocket-gateway", "instance": instance,
	}
	validate := common.GetValidator()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid gateway config")
		return nil, err
	}
	return &webSocketGatewayImpl{
		Component: common.Component{LogTags: logTags},
		config:    config,
		ready:     false,
		writers:   make(map[string]*clientWriter),
		validate:  validate,
		rootCtxt:  rootCtxt,
		wg:        wg,
	}, nil
}

// Init start the gateway
func (g *webSocketGatewayImpl) Init() error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if !common.ValidatePrincipalText(g.config.GatewayPrincipal) {
		err := fmt.Errorf("gateway principal '%s' is not valid", g.config.GatewayPrincipal)
		log.WithError(err).WithFields(g.LogTags).Error("Unable to start gateway")
		return err
	}
	log.WithFields(g.LogTags).Infof(
		"Initializing gateway [principal: %s, URL: %s, public gateway: %v]",
		g.config.GatewayPrincipal,
		g.config.GatewayURL,
		g.config.UsePublicGateway,
	)
	g.ready = true
	return nil
}

// IsReady whether the gateway is able to deliver messages
func (g *webSocketGatewayImpl) IsReady() bool {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.ready
}

// GatewayURL the URL clients should use to connect
func (g *webSocketGatewayImpl) GatewayURL() string {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.config.GatewayURL
}

// Config get the current gateway config
func (g *webSocketGatewayImpl) Config() common.GatewayConfig {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return g.config
}

// SetConfig replace the gateway config. Connections already attached keep the queue
// length they were created with.
func (g *webSocketGatewayImpl) SetConfig(config common.GatewayConfig) error {
	if err := g.validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(g.LogTags).Error("Invalid gateway config")
		return err
	}
	g.lock.Lock()
	defer g.lock.Unlock()
	g.config = config
	log.WithFields(g.LogTags).Info("Gateway configuration updated")
	return nil
}

// Attach start tracking the live connection of a client
func (g *webSocketGatewayImpl) Attach(
	clientKey, connectionID string, conn ClientConnection,
) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if !g.ready {
		return fmt.Errorf("gateway not ready, can not attach client %s", clientKey)
	}
	if existing, ok := g.writers[clientKey]; ok {
		log.WithFields(g.LogTags).Infof("Replacing existing connection of client %s", clientKey)
		g.closeWriter(existing)
	}
	writerCtxt, cancel := context.WithCancel(g.rootCtxt)
	writer := &clientWriter{
		clientKey:    clientKey,
		connectionID: connectionID,
		conn:         conn,
		sendQueue:    make(chan []byte, g.config.SendQueueLen),
		ctxt:         writerCtxt,
		cancel:       cancel,
	}
	g.writers[clientKey] = writer
	writeTimeout := time.Second * time.Duration(g.config.WriteTimeout)
	g.wg.Add(1)
	go g.runWriter(writer, writeTimeout)
	log.WithFields(g.LogTags).Debugf("Attached client %s connection %s", clientKey, connectionID)
	return nil
}

// runWriter deliver the queued messages of one client until its connection is closed
func (g *webSocketGatewayImpl) runWriter(writer *clientWriter, writeTimeout time.Duration) {
	defer g.wg.Done()
	defer log.WithFields(g.LogTags).Debugf("Writer for client %s stopped", writer.clientKey)
	for {
		select {
		case <-writer.ctxt.Done():
			return
		case msg := <-writer.sendQueue:
			if writeTimeout > 0 {
				if err := writer.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
					log.WithError(err).WithFields(g.LogTags).Errorf(
						"Unable to set write deadline for client %s", writer.clientKey,
					)
				}
			}
			if err := writer.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).WithFields(g.LogTags).Errorf(
					"Failed to write to client %s. Dropping connection", writer.clientKey,
				)
				g.release(writer)
				return
			}
		}
	}
}

// release forget a writer if it is still the one attached for its client, and close it
func (g *webSocketGatewayImpl) release(writer *clientWriter) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	current, ok := g.writers[writer.clientKey]
	if !ok || current != writer {
		return false
	}
	delete(g.writers, writer.clientKey)
	g.closeWriter(writer)
	return true
}

// closeWriter stop a writer and close its connection. Caller must hold the lock.
func (g *webSocketGatewayImpl) closeWriter(writer *clientWriter) {
	writer.cancel()
	if err := writer.conn.Close(); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debugf(
			"Error closing connection of client %s", writer.clientKey,
		)
	}
}

// Detach stop tracking the connection of a client, if it is still the one attached
func (g *webSocketGatewayImpl) Detach(clientKey string, conn ClientConnection) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	writer, ok := g.writers[clientKey]
	if !ok {
		// Already dropped, and not replaced
		return true
	}
	if writer.conn != conn {
		return false
	}
	delete(g.writers, clientKey)
	g.closeWriter(writer)
	log.WithFields(g.LogTags).Debugf("Detached client %s", clientKey)
	return true
}

// QueueMessage queue a message for delivery to a client
func (g *webSocketGatewayImpl) QueueMessage(clientKey string, data []byte) bool {
	g.lock.RLock()
	defer g.lock.RUnlock()
	if !g.ready {
		log.WithFields(g.LogTags).Warnf("Gateway not ready, can not queue message for %s", clientKey)
		return false
	}
	writer, ok := g.writers[clientKey]
	if !ok {
		log.WithFields(g.LogTags).Warnf("Client %s has no live connection", clientKey)
		return false
	}
	select {
	case writer.sendQueue <- data:
		log.WithFields(g.LogTags).Debugf("Queued message for %s (%d bytes)", clientKey, len(data))
		return true
	default:
		log.WithFields(g.LogTags).Warnf("Send queue of client %s is full. Message dropped", clientKey)
		return false
	}
}

// Broadcast queue a message for delivery to multiple clients
func (g *webSocketGatewayImpl) Broadcast(clientKeys []string, data []byte) int {
	if !g.IsReady() {
		log.WithFields(g.LogTags).Warn("Gateway not ready, can not broadcast")
		return 0
	}
	queued := 0
	for _, clientKey := range clientKeys {
		if g.QueueMessage(clientKey, data) {
			queued++
		}
	}
	log.WithFields(g.LogTags).Debugf("Broadcast to %d clients", queued)
	return queued
}

// Disconnect close the connection of a client, if it has one
func (g *webSocketGatewayImpl) Disconnect(clientKey string) {
	g.lock.Lock()
	defer g.lock.Unlock()
	writer, ok := g.writers[clientKey]
	if !ok {
		return
	}
	delete(g.writers, clientKey)
	g.closeWriter(writer)
	log.WithFields(g.LogTags).Infof("Disconnected client %s", clientKey)
}

// DisconnectConnection close the connection of a client, if it is still the given one
func (g *webSocketGatewayImpl) DisconnectConnection(clientKey, connectionID string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	writer, ok := g.writers[clientKey]
	if !ok || writer.connectionID != connectionID {
		return false
	}
	delete(g.writers, clientKey)
	g.closeWriter(writer)
	log.WithFields(g.LogTags).Infof("Disconnected client %s connection %s", clientKey, connectionID)
	return true
}

// Connections number of live connections
func (g *webSocketGatewayImpl) Connections() int {
	g.lock.RLock()
	defer g.lock.RUnlock()
	return len(g.writers)
}

// Shutdown close every connection, and stop accepting messages
func (g *webSocketGatewayImpl) Shutdown() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.ready = false
	for clientKey, writer := range g.writers {
		g.closeWriter(writer)
		delete(g.writers, clientKey)
	}
	log.WithFields(g.LogTags).Info("Gateway shut down")
}
