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

package common

import (
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Delivery Gateway Related Config

// GatewayConfig defines the WebSocket delivery gateway parameters
type GatewayConfig struct {
	// GatewayPrincipal is the identity of the gateway
	GatewayPrincipal string `mapstructure:"gateway_principal" json:"gateway_principal" validate:"required,principal"`
	// GatewayURL is the URL clients should use to connect to the gateway
	GatewayURL string `mapstructure:"gateway_url" json:"gateway_url" validate:"required,uri"`
	// UsePublicGateway whether clients are directed to a public gateway
	UsePublicGateway bool `mapstructure:"use_public_gateway" json:"use_public_gateway"`
	// SendQueueLen is the number of outbound messages buffered per client
	SendQueueLen int `mapstructure:"send_queue_len" json:"send_queue_len" validate:"gte=1"`
	// WriteTimeout is the max duration of one write to a client in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Client Session Related Config

// SessionConfig defines the client session tracking parameters
type SessionConfig struct {
	// ActivityTimeout is the max duration a client may stay silent before its session
	// becomes stale, in seconds
	ActivityTimeout int `mapstructure:"activity_timeout_sec" json:"activity_timeout_sec" validate:"gte=1"`
	// ReapInterval is the duration between stale session cleanups in seconds
	ReapInterval int `mapstructure:"reap_interval_sec" json:"reap_interval_sec" validate:"gte=1"`
}

// ===============================================================================
// Notification Transport Related Config

// NotificationConfig defines how change notifications reach the fan-out tier
type NotificationConfig struct {
	// UseNATS whether notifications are exchanged through NATS subjects. If false, only
	// notifications published through the local REST API are broadcast.
	UseNATS bool `mapstructure:"use_nats" json:"use_nats"`
	// SubjectPrefix is the NATS subject prefix. Notifications for collection X are sent
	// on subject "<prefix>.X".
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required,alphanum"`
	// BroadcastQueueLen is the number of inbound notifications buffered for broadcast
	BroadcastQueueLen int `mapstructure:"broadcast_queue_len" json:"broadcast_queue_len" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// PrincipalHeader is the HTTP header carrying the connecting party's principal
	PrincipalHeader string `mapstructure:"principal_header" json:"principal_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Management Server Related Config

// ManagementEndpointConfig defines management API endpoint config
type ManagementEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the management APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ManagementServerConfig defines configuration for the management API server
type ManagementServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the management API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the management API server
	Endpoints ManagementEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Dataplane Server Related Config

// DataplaneEndpointConfig defines dataplane API endpoint config
type DataplaneEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the dataplane APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// DataplaneServerConfig defines configuration for the dataplane API server
type DataplaneServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the dataplane API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the dataplane API server
	Endpoints DataplaneEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the delivery gateway config parameters
	Gateway GatewayConfig `mapstructure:"gateway" json:"gateway" validate:"required,dive"`
	// Session are the client session tracking parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Notification are the notification transport parameters
	Notification NotificationConfig `mapstructure:"notification" json:"notification" validate:"required,dive"`
	// Management are the management API server configs
	Management *ManagementServerConfig `mapstructure:"management,omitempty" json:"management,omitempty" validate:"omitempty,dive"`
	// Dataplane are the dataplane API server configs
	Dataplane *DataplaneServerConfig `mapstructure:"dataplane,omitempty" json:"dataplane,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// principalTextFormat is the textual form of a principal: lowercase base32 groups of five
// characters separated by dashes, the last group holding one to five characters.
var principalTextFormat = regexp.MustCompile(`^([a-z2-7]{5}-)*[a-z2-7]{1,5}$`)

// ValidatePrincipalText check that a string is a well-formed principal
func ValidatePrincipalText(principal string) bool {
	return principalTextFormat.MatchString(principal)
}

// GetValidator define a validator which also knows the custom validation tags used by
// the config structures
func GetValidator() *validator.Validate {
	validate := validator.New()
	_ = validate.RegisterValidation("principal", func(fl validator.FieldLevel) bool {
		return ValidatePrincipalText(fl.Field().String())
	})
	return validate
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default gateway settings
	viper.SetDefault(
		"gateway.gateway_principal",
		"k4prv-2plrg-jtznn-vvrjq-ybdxf-ybb43-pgjkk-ib7fr-n2gg6-kbo6c-gqe",
	)
	viper.SetDefault("gateway.gateway_url", "ws://localhost:8080")
	viper.SetDefault("gateway.use_public_gateway", false)
	viper.SetDefault("gateway.send_queue_len", 64)
	viper.SetDefault("gateway.write_timeout_sec", 10)

	// Default session settings
	viper.SetDefault("session.activity_timeout_sec", 300)
	viper.SetDefault("session.reap_interval_sec", 60)

	// Default notification settings
	viper.SetDefault("notification.use_nats", true)
	viper.SetDefault("notification.subject_prefix", "notify")
	viper.SetDefault("notification.broadcast_queue_len", 256)

	// Default Management server settings
	viper.SetDefault("management.endpoint_config.path_prefix", "/")
	viper.SetDefault("management.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("management.api_server.server_config.listen_port", 3000)
	viper.SetDefault("management.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("management.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"management.api_server.logging_config.request_id_header", "Httpnotify-Request-ID",
	)
	viper.SetDefault(
		"management.api_server.logging_config.principal_header", "Httpnotify-Principal",
	)
	viper.SetDefault(
		"management.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default Dataplane server settings
	viper.SetDefault("dataplane.endpoint_config.path_prefix", "/")
	viper.SetDefault("dataplane.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("dataplane.api_server.server_config.listen_port", 3001)
	viper.SetDefault("dataplane.api_server.server_config.read_timeout_sec", 60)
	// Long lived WebSocket sessions are served here, so no write timeout by default
	viper.SetDefault("dataplane.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("dataplane.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"dataplane.api_server.logging_config.request_id_header", "Httpnotify-Request-ID",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.principal_header", "Httpnotify-Principal",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
