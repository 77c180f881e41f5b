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
	"fmt"
	"reflect"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpnotify/common"
	"github.com/apex/log"
)

// NotificationIngest queues notifications for broadcast. Notifications are broadcast one
// at a time, in the order they were submitted.
type NotificationIngest interface {
	// SubmitNotification queue a notification for broadcast
	SubmitNotification(ctxt context.Context, notification common.Notification) error
}

// notificationIngestImpl implements NotificationIngest
type notificationIngestImpl struct {
	common.Component
	tp     goutils.TaskProcessor
	router BroadcastRouter
	// baseContext is the context broadcasts run under
	baseContext context.Context
}

// DefineNotificationIngest create new notification ingest. The task processor's event
// loop must be started separately.
func DefineNotificationIngest(
	instance string,
	baseContext context.Context,
	tp goutils.TaskProcessor,
	router BroadcastRouter,
) (NotificationIngest, error) {
	logTags := log.Fields{
		"module": "dispatch", "component": "notification-ingest", "instance": instance,
	}
	instanceObj := notificationIngestImpl{
		Component:   common.Component{LogTags: logTags},
		tp:          tp,
		router:      router,
		baseContext: baseContext,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(broadcastNotificationReq{}), instanceObj.processBroadcastRequest,
	); err != nil {
		return nil, err
	}
	return &instanceObj, nil
}

type broadcastNotificationReq struct {
	notification common.Notification
}

// SubmitNotification queue a notification for broadcast
func (i *notificationIngestImpl) SubmitNotification(
	ctxt context.Context, notification common.Notification,
) error {
	request := broadcastNotificationReq{notification: notification}
	if err := i.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf(
			"Failed to submit broadcast request for %s", notification,
		)
		return err
	}
	return nil
}

// processBroadcastRequest support task processor, deal with broadcast request
func (i *notificationIngestImpl) processBroadcastRequest(param interface{}) error {
	request, ok := param.(broadcastNotificationReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for notification broadcast",
			reflect.TypeOf(param),
		)
	}
	count, err := i.router.Broadcast(i.baseContext, request.notification)
	if err != nil {
		return err
	}
	log.WithFields(i.LogTags).Debugf("Broadcast %s to %d clients", request.notification, count)
	return nil
}
