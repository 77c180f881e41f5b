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

package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// DeliveryGateway performs the actual delivery of bytes to a client
type DeliveryGateway interface {
	// IsReady whether the gateway is able to deliver messages
	IsReady() bool
	// QueueMessage queue a message for delivery to a client. Returns whether the message
	// was accepted.
	QueueMessage(clientKey string, data []byte) bool
}

// BroadcastRouter delivers notifications to the clients subscribed to them
type BroadcastRouter interface {
	// Broadcast deliver a notification to every matching client. Returns the number of
	// clients the notification was queued for.
	Broadcast(ctxt context.Context, notification common.Notification) (int, error)
}

// broadcastRouterImpl implements BroadcastRouter
type broadcastRouterImpl struct {
	common.Component
	registry subscription.SessionRegistry
	gateway  DeliveryGateway
	validate *validator.Validate
}

// DefineBroadcastRouter create new broadcast router
func DefineBroadcastRouter(
	instance string, registry subscription.SessionRegistry, gateway DeliveryGateway,
) (BroadcastRouter, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "broadcast-router", "instance": instance,
	}
	return &broadcastRouterImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		gateway:   gateway,
		validate:  validator.New(),
	}, nil
}

// Broadcast deliver a notification to every matching client
func (r *broadcastRouterImpl) Broadcast(
	ctxt context.Context, notification common.Notification,
) (int, error) {
	localLogTags, err := common.UpdateLogTags(ctxt, r.LogTags)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to update logtags")
		return 0, err
	}
	if err := r.validate.Struct(&notification); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Invalid notification %s", notification)
		return 0, err
	}
	collection := notification.Collection

	if r.registry.Count() == 0 {
		return 0, nil
	}

	targets := r.registry.GetSubscribers(collection)
	if len(targets) == 0 {
		log.WithFields(localLogTags).Debugf("No subscribers for collection %s", collection)
		return 0, nil
	}

	if !r.gateway.IsReady() {
		log.WithFields(localLogTags).Warnf(
			"Gateway not ready, dropping %s for %d clients", notification, len(targets),
		)
		return 0, nil
	}

	// Serialize once for all recipients
	payload, err := json.Marshal(&notification)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to serialize %s. Broadcast abandoned", notification,
		)
		return 0, fmt.Errorf("unable to serialize notification %s: %w", notification, err)
	}

	log.WithFields(localLogTags).Debugf(
		"Broadcasting %s to %d clients", notification, len(targets),
	)

	queued := 0
	failed := []string{}
	for _, target := range targets {
		if r.gateway.QueueMessage(target.ClientKey, payload) {
			queued++
		} else {
			failed = append(failed, target.ClientKey)
		}
	}
	if len(failed) > 0 {
		log.WithFields(localLogTags).Warnf(
			"Failed to queue %s for clients %v", notification, failed,
		)
	}
	log.WithFields(localLogTags).Debugf("Queued %s for %d clients", notification, queued)
	return queued, nil
}
