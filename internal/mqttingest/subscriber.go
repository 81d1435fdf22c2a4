// Package mqttingest bridges controller telemetry published over MQTT into
// the ingestion service. Topic layout: autovolt/telemetry/<controller_id>,
// one JSON reading per message.
package mqttingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/iotmca0/autovolt-sub006/internal/config"
	telemetrydomain "github.com/iotmca0/autovolt-sub006/internal/telemetry/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	connectTimeout = 10 * time.Second
	handlerTimeout = 10 * time.Second
)

// wirePayload is the controller-facing JSON shape. Field names match the
// firmware, not the internal ingest request.
type wirePayload struct {
	ControllerID string          `json:"controller_id"`
	DeviceID     string          `json:"device_id"`
	ClassroomID  string          `json:"classroom_id"`
	Timestamp    int64           `json:"ts"` // unix seconds from the device RTC
	PowerW       *float64        `json:"power_w"`
	EnergyWh     *float64        `json:"energy_wh"`
	Switches     map[string]bool `json:"switches"`
	Status       string          `json:"status"`
	UptimeSec    *int64          `json:"uptime_sec"`
}

type Params struct {
	fx.In

	Cfg          config.Config
	Log          *zap.Logger
	TelemetrySvc telemetrydomain.Service
}

type Subscriber struct {
	cfg          config.MQTTConfig
	log          *zap.Logger
	telemetrySvc telemetrydomain.Service
	client       paho.Client
}

func NewSubscriber(p Params) *Subscriber {
	return &Subscriber{
		cfg:          p.Cfg.MQTT,
		log:          p.Log.Named("mqttingest"),
		telemetrySvc: p.TelemetrySvc,
	}
}

func (s *Subscriber) Start(ctx context.Context) error {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c paho.Client) {
		// Resubscribe after every reconnect; the session is not persisted.
		token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
		if !token.WaitTimeout(connectTimeout) || token.Error() != nil {
			s.log.Error("subscribe failed",
				zap.String("topic", s.cfg.Topic),
				zap.Error(token.Error()),
			)
			return
		}
		s.log.Info("subscribed", zap.String("topic", s.cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.log.Warn("broker connection lost", zap.Error(err))
	})

	s.client = paho.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout to %s", s.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

func (s *Subscriber) Stop() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(1000)
	}
}

func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	req, err := decodePayload(msg.Topic(), msg.Payload())
	if err != nil {
		s.log.Warn("dropping malformed telemetry message",
			zap.String("topic", msg.Topic()),
			zap.Error(err),
		)
		return
	}

	result, err := s.telemetrySvc.Ingest(ctx, req)
	if err != nil {
		s.log.Error("ingest failed",
			zap.String("topic", msg.Topic()),
			zap.String("device", req.DeviceID),
			zap.Error(err),
		)
		return
	}
	if result.Duplicate {
		s.log.Debug("duplicate reading dropped",
			zap.String("device", req.DeviceID),
		)
	}
}

func decodePayload(topic string, payload []byte) (telemetrydomain.IngestRequest, error) {
	var wire wirePayload
	if err := json.Unmarshal(payload, &wire); err != nil {
		return telemetrydomain.IngestRequest{}, fmt.Errorf("decode payload: %w", err)
	}

	// The controller id in the topic wins over the body when both are set.
	if id := controllerFromTopic(topic); id != "" {
		wire.ControllerID = id
	}
	if wire.Timestamp <= 0 {
		return telemetrydomain.IngestRequest{}, fmt.Errorf("missing device timestamp")
	}

	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)

	return telemetrydomain.IngestRequest{
		ControllerID:    wire.ControllerID,
		DeviceID:        wire.DeviceID,
		ClassroomID:     wire.ClassroomID,
		DeviceTimestamp: time.Unix(wire.Timestamp, 0).UTC(),
		PowerW:          wire.PowerW,
		EnergyCounterWh: wire.EnergyWh,
		SwitchStates:    wire.Switches,
		Status:          telemetrydomain.DeviceStatus(wire.Status),
		UptimeSec:       wire.UptimeSec,
		RawPayload:      raw,
	}, nil
}

func controllerFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
