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

// Matches whether a client session should receive notifications for a collection.
//
// A session with no subscriptions is a wildcard session, and matches every collection.
// This is the only place the matching rule is defined.
func Matches(session *ClientSession, collection string) bool {
	if len(session.Subscriptions) == 0 {
		return true
	}
	return containsCollection(session.Subscriptions, collection)
}

func containsCollection(collections []string, collection string) bool {
	for _, c := range collections {
		if c == collection {
			return true
		}
	}
	return false
}
