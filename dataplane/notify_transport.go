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
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/core"
	"github.com/alwitt/httpnotify/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// NotificationPublisher publishes change notifications through NATS subjects
type NotificationPublisher interface {
	// Publish publish a change notification
	Publish(ctxt context.Context, notification common.Notification) error
}

// notificationPublisherImpl implements NotificationPublisher
type notificationPublisherImpl struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
	validate      *validator.Validate
}

// GetNotificationPublisher define NotificationPublisher
func GetNotificationPublisher(
	natsClient *core.NatsClient, subjectPrefix string, instance string,
) (NotificationPublisher, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "notification-publisher",
		"instance":  instance,
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("notification subject prefix can not be empty")
	}
	return &notificationPublisherImpl{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		validate:      validator.New(),
	}, nil
}

// Publish publish a change notification
func (t *notificationPublisherImpl) Publish(
	ctxt context.Context, notification common.Notification,
) error {
	localLogTags, err := common.UpdateLogTags(ctxt, t.LogTags)
	if err != nil {
		log.WithError(err).WithFields(t.LogTags).Errorf("Failed to update logtags")
		return err
	}
	if err := t.validate.Struct(&notification); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Notification invalid")
		return err
	}
	if strings.ContainsAny(notification.Collection, " \t\r\n*>") {
		err := fmt.Errorf("collection '%s' can not be used in a subject", notification.Collection)
		log.WithError(err).WithFields(localLogTags).Error("Notification invalid")
		return err
	}
	subject := defineNotificationSubject(t.subjectPrefix, notification.Collection)
	msg, err := json.Marshal(&notification)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to serialize notification %s", notification,
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sending %s on %s", notification, subject)
	if err := t.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to send notification %s on %s", notification, subject,
		)
		return err
	}
	log.WithFields(localLogTags).Debugf("Sent %s on %s", notification, subject)
	return nil
}

// ==============================================================================

// NotificationReceiver receives change notifications being published through NATS
// subjects, and forwards them for broadcast
type NotificationReceiver interface {
	// SubscribeForNotifications start receiving notifications
	SubscribeForNotifications(wg *sync.WaitGroup) error
}

// notificationReceiverImpl implements NotificationReceiver
type notificationReceiverImpl struct {
	common.Component
	subject      string
	prefix       string
	nats         *core.NatsClient
	ingest       dispatch.NotificationIngest
	subscribed   bool
	subscription *nats.Subscription
	lock         *sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetNotificationReceiver define NotificationReceiver. The subscription is dropped once
// the context is cancelled.
func GetNotificationReceiver(
	opContext context.Context,
	natsClient *core.NatsClient,
	subjectPrefix string,
	ingest dispatch.NotificationIngest,
	instance string,
) (NotificationReceiver, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "notification-receiver",
		"instance":  instance,
	}
	if subjectPrefix == "" {
		return nil, fmt.Errorf("notification subject prefix can not be empty")
	}
	return &notificationReceiverImpl{
		Component:    common.Component{LogTags: logTags},
		subject:      defineNotificationSubscribeSubject(subjectPrefix),
		prefix:       subjectPrefix,
		nats:         natsClient,
		ingest:       ingest,
		subscribed:   false,
		subscription: nil,
		lock:         new(sync.Mutex),
		validate:     validator.New(),
		ctxt:         opContext,
	}, nil
}

// SubscribeForNotifications start receiving notifications
func (r *notificationReceiverImpl) SubscribeForNotifications(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already subscribed
	if r.subscribed {
		return fmt.Errorf("already instructed to subscribe to %s", r.subject)
	}
	sub, err := r.nats.NATs().Subscribe(r.subject, r.processMessage)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to subscribe to notification subject %s", r.subject,
		)
		return err
	}
	r.subscribed = true
	r.subscription = sub
	log.WithFields(r.LogTags).Infof("Subscribed to notification subject %s", r.subject)
	// Handler to automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		log.WithFields(r.LogTags).Debugf("Unsubscribing from notification subject %s", r.subject)
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from notification subject %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from notification subject %s", r.subject)
	}()
	return nil
}

// processMessage decode one NATS message, and submit it for broadcast
func (r *notificationReceiverImpl) processMessage(msg *nats.Msg) {
	var notification common.Notification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to read notification on %s: %s", msg.Subject, msg.Data,
		)
		return
	}
	if err := r.validate.Struct(&notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to validate notification on %s: %s", msg.Subject, msg.Data,
		)
		return
	}
	if collection, err := collectionFromSubject(r.prefix, msg.Subject); err == nil &&
		collection != notification.Collection {
		log.WithFields(r.LogTags).Warnf(
			"Notification %s arrived on subject %s of another collection", notification, msg.Subject,
		)
	}
	log.WithFields(r.LogTags).Debugf("Received %s", notification)
	if err := r.ingest.SubmitNotification(r.ctxt, notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to submit %s for broadcast", notification,
		)
	}
}
