// Package telemetry mirrors connection activity to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/frostbite/internal/config"
	"github.com/energizer-project/frostbite/internal/events"
	"github.com/energizer-project/frostbite/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicConnection = "connection"
	TopicPackets    = "packets"
)

// publisher is the part of mqtt.Client the handler uses.
type publisher interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// PacketMessage is the payload published for sent and received packets.
type PacketMessage struct {
	Direction  string   `json:"direction"`
	Origin     string   `json:"origin"`
	IsResponse bool     `json:"is_response"`
	Sequence   *uint32  `json:"sequence,omitempty"`
	Words      []string `json:"words"`
}

// ConnectionMessage is the payload published for lifecycle events.
type ConnectionMessage struct {
	Event      string `json:"event"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Error      string `json:"error,omitempty"`
}

// MQTTHandler manages the MQTT connection and publishes connection events.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	pub      publisher

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	handler := &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"platform":    sysInfo.Platform,
			"app_version": util.AppVersion,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("frostcon-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
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

		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)
	handler.pub = handler.client

	return handler, nil
}

// Start connects to the MQTT broker, subscribes to the bus and blocks until
// ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()

	<-ctx.Done()

	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.eventBus.Subscribe(events.EventConnected, "mqtt.connected", h.onConnection)
	h.eventBus.Subscribe(events.EventDisconnected, "mqtt.disconnected", h.onConnection)
	h.eventBus.Subscribe(events.EventError, "mqtt.error", h.onConnection)
	h.eventBus.Subscribe(events.EventPacketSent, "mqtt.packetSent", h.onPacket)
	h.eventBus.Subscribe(events.EventPacketReceived, "mqtt.packetReceived", h.onPacket)
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}) {
	if !h.pub.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.pub.Publish(topic, 1, false, data)
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

func (h *MQTTHandler) onConnection(ctx context.Context, event events.Event) error {
	msg := ConnectionMessage{Event: string(event.Type)}
	if p, ok := event.Payload.(events.ConnectionPayload); ok {
		msg.RemoteAddr = p.RemoteAddr
	}
	if err := event.Err(); err != nil {
		msg.Error = err.Error()
	}
	h.publish(h.topic(TopicConnection), msg)
	return nil
}

func (h *MQTTHandler) onPacket(ctx context.Context, event events.Event) error {
	packet := event.Packet()
	if packet == nil {
		return nil
	}

	msg := PacketMessage{
		Direction:  "received",
		Origin:     packet.Origin.String(),
		IsResponse: packet.IsResponse,
		Words:      packet.Words,
	}
	if event.Type == events.EventPacketSent {
		msg.Direction = "sent"
	}
	if v, ok := packet.Sequence.Get(); ok {
		msg.Sequence = &v
	}

	h.publish(h.topic(TopicPackets), msg)
	return nil
}
