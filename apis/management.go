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

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/dataplane"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

// APIRestManagementHandler REST handler for managing the client sessions
type APIRestManagementHandler struct {
	goutils.RestAPIHandler
	registry subscription.SessionRegistry
	reaper   subscription.StaleReaper
	gateway  dataplane.WebSocketGateway
	validate *validator.Validate
}

// GetAPIRestManagementHandler define APIRestManagementHandler
func GetAPIRestManagementHandler(
	registry subscription.SessionRegistry,
	reaper subscription.StaleReaper,
	gateway dataplane.WebSocketGateway,
	httpConfig *common.HTTPConfig,
) (APIRestManagementHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "session-management",
	}
	return APIRestManagementHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       registry,
		reaper:         reaper,
		gateway:        gateway,
		validate:       validator.New(),
	}, nil
}

// readClientKey helper function to fetch the client key path parameter
func (h APIRestManagementHandler) readClientKey(r *http.Request) (string, error) {
	vars := mux.Vars(r)
	clientKey, ok := vars["clientKey"]
	if !ok || clientKey == "" {
		return "", fmt.Errorf("no client key provided")
	}
	return clientKey, nil
}

// =======================================================================
// Statistics

// -----------------------------------------------------------------------

// APIRestRespStats response containing the session statistics
type APIRestRespStats struct {
	goutils.RestAPIBaseResponse
	// Stats is the session statistics
	Stats subscription.ClientStats `json:"stats"`
	// Connections is the number of live client connections
	Connections int `json:"connections"`
}

// GetStats godoc
// @Summary Query session statistics
// @Description Query the number of clients, active sessions, and subscriptions
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespStats "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/stats [get]
func (h APIRestManagementHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespStats{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Stats:               h.registry.Stats(),
		Connections:         h.gateway.Connections(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestManagementHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Sessions

// -----------------------------------------------------------------------

// APIRestRespAllSessions response containing every client session
type APIRestRespAllSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions the client sessions
	Sessions []subscription.ClientSession `json:"sessions"`
}

// GetAllSessions godoc
// @Summary Query for info on all client sessions
// @Description Query for the details of all client sessions
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespAllSessions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session [get]
func (h APIRestManagementHandler) GetAllSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespAllSessions{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Sessions:            h.registry.GetAll(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetAllSessionsHandler Wrapper around GetAllSessions
func (h APIRestManagementHandler) GetAllSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetAllSessions(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespOneSession response containing one client session
type APIRestRespOneSession struct {
	goutils.RestAPIBaseResponse
	// Session the client session
	Session subscription.ClientSession `json:"session"`
}

// GetSession godoc
// @Summary Query for info on one client session
// @Description Query for the details of one client session
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param clientKey path string true "Client key"
// @Success 200 {object} APIRestRespOneSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session/{clientKey} [get]
func (h APIRestManagementHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	clientKey, err := h.readClientKey(r)
	if err != nil {
		msg := "Invalid client key"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, ok := h.registry.Get(clientKey)
	if !ok {
		msg := fmt.Sprintf("Client %s not found", clientKey)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneSession{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Session: session,
	}
}

// GetSessionHandler Wrapper around GetSession
func (h APIRestManagementHandler) GetSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSession(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteSession godoc
// @Summary Remove a client session
// @Description Remove a client session, and close its connection
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param clientKey path string true "Client key"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session/{clientKey} [delete]
func (h APIRestManagementHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	clientKey, err := h.readClientKey(r)
	if err != nil {
		msg := "Invalid client key"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	session, ok := h.registry.Remove(clientKey)
	if !ok {
		msg := fmt.Sprintf("Client %s not found", clientKey)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}
	if session.ConnectionID != "" {
		h.gateway.DisconnectConnection(clientKey, session.ConnectionID)
	}
	log.WithFields(localLogTags).Infof("Removed client %s", clientKey)

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteSessionHandler Wrapper around DeleteSession
func (h APIRestManagementHandler) DeleteSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteSession(w, r)
	}
}

// =======================================================================
// Subscriptions

// -----------------------------------------------------------------------

// APIRestReqSubscription request to change the subscriptions of a client
type APIRestReqSubscription struct {
	// Collections the collections to subscribe to / unsubscribe from
	Collections []string `json:"collections" validate:"required,min=1,dive,required"`
}

// changeSubscription helper function to apply a subscription change on behalf of a client
func (h APIRestManagementHandler) changeSubscription(
	w http.ResponseWriter, r *http.Request, subscribe bool,
) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	clientKey, err := h.readClientKey(r)
	if err != nil {
		msg := "Invalid client key"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var params APIRestReqSubscription
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Invalid subscription change"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if _, ok := h.registry.Get(clientKey); !ok {
		msg := fmt.Sprintf("Client %s not found", clientKey)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}
	if subscribe {
		h.registry.Subscribe(clientKey, params.Collections)
	} else {
		h.registry.Unsubscribe(clientKey, params.Collections)
	}

	// The client may have disconnected in the meantime
	session, ok := h.registry.Get(clientKey)
	if !ok {
		msg := fmt.Sprintf("Client %s not found", clientKey)
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}
	respCode = http.StatusOK
	respBody = APIRestRespOneSession{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), Session: session,
	}
}

// Subscribe godoc
// @Summary Subscribe a client to collections
// @Description Add collections to the subscription set of a client
// @tags Management
// @Accept json
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param clientKey path string true "Client key"
// @Param collections body APIRestReqSubscription true "Collections to subscribe to"
// @Success 200 {object} APIRestRespOneSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session/{clientKey}/subscription [post]
func (h APIRestManagementHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, true)
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestManagementHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// Unsubscribe godoc
// @Summary Unsubscribe a client from collections
// @Description Remove collections from the subscription set of a client. A client with
// no subscriptions left receives notifications from all collections.
// @tags Management
// @Accept json
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Param clientKey path string true "Client key"
// @Param collections body APIRestReqSubscription true "Collections to unsubscribe from"
// @Success 200 {object} APIRestRespOneSession "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,404,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/session/{clientKey}/subscription [delete]
func (h APIRestManagementHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.changeSubscription(w, r, false)
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestManagementHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// =======================================================================
// Stale session cleanup

// -----------------------------------------------------------------------

// APIRestRespReap response to a stale session cleanup
type APIRestRespReap struct {
	goutils.RestAPIBaseResponse
	// Removed is the number of stale sessions removed
	Removed int `json:"removed"`
}

// ReapStaleSessions godoc
// @Summary Remove stale client sessions
// @Description Immediately remove every client session inactive beyond the activity timeout
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespReap "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/reap [post]
func (h APIRestManagementHandler) ReapStaleSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespReap{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Removed:             h.reaper.CleanupStale(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ReapStaleSessionsHandler Wrapper around ReapStaleSessions
func (h APIRestManagementHandler) ReapStaleSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ReapStaleSessions(w, r)
	}
}

// =======================================================================
// Gateway

// -----------------------------------------------------------------------

// APIRestRespGateway response containing the delivery gateway state
type APIRestRespGateway struct {
	goutils.RestAPIBaseResponse
	// Ready whether the gateway is accepting messages
	Ready bool `json:"ready"`
	// URL the URL clients should use to connect
	URL string `json:"url"`
	// Config the gateway config
	Config common.GatewayConfig `json:"config"`
}

// GetGateway godoc
// @Summary Query the delivery gateway
// @Description Query the delivery gateway's config and state
// @tags Management
// @Produce json
// @Param Httpnotify-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespGateway "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Header 200,400,500 {string} Httpnotify-Request-ID "Request ID to match against logs"
// @Router /v1/admin/gateway [get]
func (h APIRestManagementHandler) GetGateway(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespGateway{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Ready:               h.gateway.IsReady(),
		URL:                 h.gateway.GatewayURL(),
		Config:              h.gateway.Config(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetGatewayHandler Wrapper around GetGateway
func (h APIRestManagementHandler) GetGatewayHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetGateway(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For management REST API liveness check
// @Description Will return success to indicate management REST API module is live
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/alive [get]
func (h APIRestManagementHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestManagementHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For management REST API readiness check
// @Description Will return success if management REST API module is ready for use
// @tags Management
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/admin/ready [get]
func (h APIRestManagementHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if h.gateway.IsReady() {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	} else {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestManagementHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
