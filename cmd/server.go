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


package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/httpnotify/apis"
	"github.com/alwitt/httpnotify/common"
	"github.com/alwitt/httpnotify/core"
	"github.com/alwitt/httpnotify/dataplane"
	"github.com/alwitt/httpnotify/dispatch"
	"github.com/alwitt/httpnotify/subscription"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunServer run the notification fan-out server
//
// "natsClient" is only needed when notifications are exchanged through NATS.
func RunServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	if err := common.GetValidator().Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}
	if config.Management == nil && config.Dataplane == nil {
		return fmt.Errorf("neither management nor dataplane server is configured")
	}
	if config.Notification.UseNATS && natsClient == nil {
		return fmt.Errorf("NATS notification transport requires a NATS client")
	}

	localCtxt, lclCancel := context.WithCancel(runtimeContext)
	defer lclCancel()

	// -------------------------------------------------------------------
	// Core components

	registry, err := subscription.DefineSessionRegistry(
		instance, time.Second*time.Duration(config.Session.ActivityTimeout), nil,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define session registry")
		return err
	}

	gateway, err := dataplane.DefineWebSocketGateway(instance, localCtxt, wg, config.Gateway)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define delivery gateway")
		return err
	}
	if err := gateway.Init(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start delivery gateway")
		return err
	}
	defer gateway.Shutdown()

	reaper, err := subscription.DefineStaleReaper(instance, registry, gateway)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define stale session reaper")
		return err
	}

	router, err := dispatch.DefineBroadcastRouter(instance, registry, gateway)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define broadcast router")
		return err
	}

	connections, err := dataplane.DefineConnectionHandler(instance, registry, gateway, nil)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define connection handler")
		return err
	}

	// -------------------------------------------------------------------
	// Notification transport

	var publisher dataplane.NotificationPublisher
	var readyClient *core.NatsClient
	if config.Notification.UseNATS {
		tp, err := goutils.GetNewTaskProcessorInstance(
			localCtxt,
			"notification-ingest",
			config.Notification.BroadcastQueueLen,
			log.Fields{"module": "dispatch", "component": "task-processor", "instance": instance},
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define task processor")
			return err
		}
		ingest, err := dispatch.DefineNotificationIngest(instance, localCtxt, tp, router)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define notification ingest")
			return err
		}
		if err := tp.StartEventLoop(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to start task processor")
			return err
		}
		defer func() {
			if err := tp.StopEventLoop(); err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Unable to stop task processor")
			}
		}()

		receiver, err := dataplane.GetNotificationReceiver(
			localCtxt, natsClient, config.Notification.SubjectPrefix, ingest, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define notification receiver")
			return err
		}
		if err := receiver.SubscribeForNotifications(wg); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to receive notifications")
			return err
		}

		publisher, err = dataplane.GetNotificationPublisher(
			natsClient, config.Notification.SubjectPrefix, instance,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define notification publisher")
			return err
		}
		readyClient = natsClient
	}

	// -------------------------------------------------------------------
	// Stale session cleanup

	reapTimer, err := goutils.GetIntervalTimerInstance(
		localCtxt,
		wg,
		log.Fields{"module": "subscription", "component": "stale-reaper-timer", "instance": instance},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define reaper timer")
		return err
	}
	if err := reapTimer.Start(
		time.Second*time.Duration(config.Session.ReapInterval), reaper.TimerHandler, false,
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start reaper timer")
		return err
	}
	defer func() {
		if err := reapTimer.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to stop reaper timer")
		}
	}()

	// -------------------------------------------------------------------
	// Start the HTTP servers

	servers := []*http.Server{}

	if config.Management != nil {
		httpHandler, err := apis.GetAPIRestManagementHandler(
			registry, reaper, gateway, &config.Management.HTTPSetting,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define management HTTP handler")
			return err
		}
		httpRouter := defineManagementRouter(httpHandler, config.Management.Endpoints.PathPrefix)
		servers = append(servers, startHTTPServer(
			logTags, "management", httpRouter, config.Management.HTTPSetting.Server, lclCancel,
		))
	}

	if config.Dataplane != nil {
		var localRouter dispatch.BroadcastRouter
		if publisher == nil {
			localRouter = router
		}
		httpHandler, err := apis.GetAPIRestDataplaneHandler(
			readyClient,
			&config.Dataplane.HTTPSetting,
			publisher,
			localRouter,
			gateway,
			connections,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define dataplane HTTP handler")
			return err
		}
		httpRouter := defineDataplaneRouter(httpHandler, config.Dataplane.Endpoints.PathPrefix)
		servers = append(servers, startHTTPServer(
			logTags, "dataplane", httpRouter, config.Dataplane.HTTPSetting.Server, lclCancel,
		))
	}

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP servers
	for _, httpSrv := range servers {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
		cancel()
	}

	return nil
}

// defineManagementRouter define the routes of the management API
func defineManagementRouter(
	httpHandler apis.APIRestManagementHandler, pathPrefix string,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/stats", apis.MethodHandlers{
		"get": httpHandler.GetStatsHandler(),
	})

	// All session routes
	sessionAPIRouter := apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/session", apis.MethodHandlers{
			"get": httpHandler.GetAllSessionsHandler(),
		},
	)

	// Per session routes
	perSessionAPIRouter := apis.RegisterPathPrefix(
		sessionAPIRouter, "/{clientKey}", apis.MethodHandlers{
			"get":    httpHandler.GetSessionHandler(),
			"delete": httpHandler.DeleteSessionHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(perSessionAPIRouter, "/subscription", apis.MethodHandlers{
		"post":   httpHandler.SubscribeHandler(),
		"delete": httpHandler.UnsubscribeHandler(),
	})

	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/reap", apis.MethodHandlers{
		"post": httpHandler.ReapStaleSessionsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/gateway", apis.MethodHandlers{
		"get": httpHandler.GetGatewayHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/admin/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	return router
}

// defineDataplaneRouter define the routes of the dataplane API
func defineDataplaneRouter(
	httpHandler apis.APIRestDataplaneHandler, pathPrefix string,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// Notification publish
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/notification", apis.MethodHandlers{
		"post": httpHandler.PublishNotificationHandler(),
	})

	// Client session
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/connect", apis.MethodHandlers{
		"get": httpHandler.ConnectHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/data/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return httpHandler.LoggingMiddleware(next.ServeHTTP)
	})

	return router
}

// startHTTPServer start serving a router in the background
func startHTTPServer(
	logTags log.Fields,
	name string,
	router *mux.Router,
	config common.HTTPServerConfig,
	onFailure context.CancelFunc,
) *http.Server {
	serverListen := fmt.Sprintf("%s:%d", config.ListenOn, config.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Errorf("%s HTTP Server Failure", name)
			onFailure()
		}
	}()

	log.WithFields(logTags).Infof("Started %s HTTP server on http://%s", name, serverListen)
	return httpSrv
}
