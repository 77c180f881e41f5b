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


package apis

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/core"
	"github.com/alwitt/httpnotify/dataplane"
	"github.com/alwitt/httpnotify/dispatch"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultPrincipal the principal of a connecting client which did not provide one
const DefaultPrincipal = "anonymous"

// APIRestDataplaneHandler REST handler for the notification dataplane
type APIRestDataplaneHandler struct {
	goutils.RestAPIHandler
	natsClient      *core.NatsClient
	publisher       dataplane.NotificationPublisher
	router          dispatch.BroadcastRouter
	gateway         dataplane.WebSocketGateway
	connections     dataplane.ConnectionHandler
	upgrader        websocket.Upgrader
	principalHeader string
	validate        *validator.Validate
}

// GetAPIRestDataplaneHandler define APIRestDataplaneHandler
//
// When "publisher" is nil, notifications published through the API are broadcast directly
// by "router" to the clients of this node. Otherwise they are sent out through NATS, and
// "client" is checked as part of the readiness check.
func GetAPIRestDataplaneHandler(
	client *core.NatsClient,
	httpConfig *common.HTTPConfig,
	publisher dataplane.NotificationPublisher,
	router dispatch.BroadcastRouter,
	gateway dataplane.WebSocketGateway,
	connections dataplane.ConnectionHandler,
) (APIRestDataplaneHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "notification-dataplane",
	}
	if publisher == nil && router == nil {
		return APIRestDataplaneHandler{}, fmt.Errorf(
			"either a notification publisher or a broadcast router is needed",
		)
	}
	principalHeader := httpConfig.Logging.PrincipalHeader
	if principalHeader == "" {
		principalHeader = "Httpnotify-Principal"
	}
	return APIRestDataplaneHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		natsClient:     client,
		publisher:      publisher,
		router:         router,
		gateway:        gateway,
		connections:    connections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Transport level authentication is left to the deployment
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		principalHeader: principalHeader,
		validate:        validator.New(),
	}, nil
}

// =======================================================================
// Notification publish

// -----------------------------------------------------------------------

// APIRestRespPublish response to a notification publish
type APIRestRespPublish struct {
	goutils.RestAPIBaseResponse
	// Recipients is the number of local clients the notification was queued for. Only
	// reported when the notification is broadcast locally.
	Recipients *int `json:"recipients,omitempty"`
}

// PublishNotification godoc
// @Summary Publish a change notification
// @Description Publish a change notification to every client subscribed to its collection
// @tags Dataplane
// @Accept json
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param notification body common.Notification true "Change notification"
// @Success 200 {object} APIRestRespPublish "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/data/notification [post]
func (h APIRestDataplaneHandler) PublishNotification(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var notification common.Notification
	if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&notification); err != nil {
		msg := "Invalid notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if notification.Timestamp == 0 {
		notification.Timestamp = common.TimestampNano(time.Now())
	}

	if h.publisher != nil {
		if err := h.publisher.Publish(r.Context(), notification); err != nil {
			msg := fmt.Sprintf("Unable to publish %s", notification)
			log.WithError(err).WithFields(localLogTags).Error(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
		respCode = http.StatusOK
		respBody = APIRestRespPublish{RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context())}
		return
	}

	count, err := h.router.Broadcast(r.Context(), notification)
	if err != nil {
		msg := fmt.Sprintf("Unable to broadcast %s", notification)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespPublish{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Recipients: &count,
	}
}

// PublishNotificationHandler Wrapper around PublishNotification
func (h APIRestDataplaneHandler) PublishNotificationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.PublishNotification(w, r)
	}
}

// =======================================================================
// Client connection

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Establish a notification session
// @Description Upgrade to a WebSocket connection over which the client receives change
// notifications. This is a long lived session. The session will close on client
// disconnect, server shutdown, or after a period of client inactivity.
// @tags Dataplane
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param Httpnotify-Principal header string false "Principal of the connecting client"
// @Param client_key query string false "Client key to use. A new key is generated if not provided."
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/data/connect [get]
func (h APIRestDataplaneHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	replyError := func(respCode int, msg string, detail string) {
		if err := h.WriteRESTResponse(
			w, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, detail), nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}

	// Read the client key
	clientKey := uuid.NewString()
	{
		t, ok := r.URL.Query()["client_key"]
		if ok {
			if len(t) != 1 {
				msg := "Multiple client_key"
				log.WithFields(localLogTags).Errorf(msg)
				replyError(http.StatusBadRequest, msg, msg)
				return
			}
			if err := h.validate.Var(t[0], "required,max=256,printascii"); err != nil {
				msg := "Invalid client_key"
				log.WithError(err).WithFields(localLogTags).Errorf(msg)
				replyError(http.StatusBadRequest, msg, err.Error())
				return
			}
			clientKey = t[0]
		}
	}
	principal := r.Header.Get(h.principalHeader)
	if principal == "" {
		principal = DefaultPrincipal
	}

	if !h.gateway.IsReady() {
		msg := "Gateway not ready"
		log.WithFields(localLogTags).Errorf(msg)
		replyError(http.StatusInternalServerError, msg, msg)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	param := common.ConnectionParam{
		ClientKey: clientKey, Principal: principal, RemoteAddr: r.RemoteAddr,
	}
	if err := h.connections.Serve(r.Context(), param, conn); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Session of client %s ended with error", clientKey,
		)
	}
}

// ConnectHandler Wrapper around Connect
func (h APIRestDataplaneHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For dataplane REST API liveness check
// @Description Will return success to indicate dataplane REST API module is live
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/data/alive [get]
func (h APIRestDataplaneHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestDataplaneHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For dataplane REST API readiness check
// @Description Will return success if dataplane REST API module is ready for use
// @tags Dataplane
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/data/ready [get]
func (h APIRestDataplaneHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	ready := h.gateway.IsReady()
	if ready && h.natsClient != nil {
		ready = h.natsClient.Connected()
	}
	if ready {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestDataplaneHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
