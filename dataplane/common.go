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
	"fmt"
	"strings"
)

// notificationSubjectWildcard is the NATS subject token matching one or more tokens
const notificationSubjectWildcard = ">"

// defineNotificationSubject helper function to define the NATS subject notifications for a
// collection are sent on
func defineNotificationSubject(prefix, collection string) string {
	return fmt.Sprintf("%s.%s", prefix, collection)
}

// defineNotificationSubscribeSubject helper function to define the NATS subject matching
// the notifications of every collection
func defineNotificationSubscribeSubject(prefix string) string {
	return defineNotificationSubject(prefix, notificationSubjectWildcard)
}

// collectionFromSubject helper function to recover the collection from a notification
// subject
func collectionFromSubject(prefix, subject string) (string, error) {
	collection := strings.TrimPrefix(subject, prefix+".")
	if collection == subject || collection == "" {
		return "", fmt.Errorf("subject %s is not under prefix %s", subject, prefix)
	}
	return collection, nil
}
