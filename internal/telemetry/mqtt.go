// Package telemetry publishes bridge events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/rconbridge/internal/config"
	"github.com/energizer-project/rconbridge/internal/events"
	"github.com/energizer-project/rconbridge/internal/util"
)

// Topic suffixes, appended to "<prefix>/<game>/".
const (
	TopicAdmin     = "admin"
	TopicState     = "state"
	TopicOutput    = "output"
	TopicCommands  = "commands"
	TopicPlayers   = "players"
	TopicHeartbeat = "heartbeat"
)

// DefaultHeartbeat is how often process stats are published.
const DefaultHeartbeat = time.Minute

// ErrDisabled is returned by NewMQTTHandler when MQTT is turned off.
var ErrDisabled = errors.New("MQTT is disabled")

// StatusFunc supplies the status document sent with each heartbeat.
type StatusFunc func() interface{}

// MQTTHandler publishes connection state, server output, commands and
// player joins.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	prefix   string
	status   StatusFunc

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler for the given game and session.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, gameTag, session string, status StatusFunc) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"os":          sysInfo.OS,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"game":        gameTag,
		"session":     session,
		"app_version": util.Version,
	}

	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = util.AppName
	}

	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		prefix:   prefix + "/" + gameTag,
		status:   status,
		metadata: metadata,
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("%s-%s", util.AppName, session))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// Start connects to the broker, forwards bus events and publishes a
// heartbeat until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Str("topic", h.prefix).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	ticker := time.NewTicker(DefaultHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.publishHeartbeat()
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			log.Info().Msg("MQTT disconnected")
			return nil
		}
	}
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventConnectionState, "mqtt.state", h.forward(TopicState))
	h.eventBus.Subscribe(events.EventReconnected, "mqtt.reconnected", h.forward(TopicState))
	h.eventBus.Subscribe(events.EventConnectionFatal, "mqtt.fatal", h.forward(TopicAdmin))
	h.eventBus.Subscribe(events.EventServerOutput, "mqtt.output", h.forward(TopicOutput))
	h.eventBus.Subscribe(events.EventCommandSent, "mqtt.commandSent", h.forward(TopicCommands))
	h.eventBus.Subscribe(events.EventCommandResponse, "mqtt.commandResponse", h.forward(TopicCommands))
	h.eventBus.Subscribe(events.EventPlayerJoined, "mqtt.playerJoined", h.forward(TopicPlayers))
}

func (h *MQTTHandler) forward(suffix string) events.HandlerFunc {
	return func(ctx context.Context, event events.Event) error {
		h.publish(h.topic(suffix), map[string]interface{}{
			"event":   string(event.Type),
			"payload": event.Payload,
		})
		return nil
	}
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.prefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

func (h *MQTTHandler) heartbeat() map[string]interface{} {
	hb := map[string]interface{}{
		"process": util.GetProcessStats(),
	}
	if h.status != nil {
		hb["status"] = h.status()
	}
	return hb
}

func (h *MQTTHandler) publishHeartbeat() {
	h.publish(h.topic(TopicHeartbeat), h.heartbeat())
}

// PublishShutdown announces that the bridge is going away.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
