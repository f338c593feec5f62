package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"DEFECT_MONITOR/go-backend/internal/models"
)

// MQTTEmitter publishes stored defect records to <topic>/<device_id>.
type MQTTEmitter struct {
	client mqtt.Client
	broker string
	topic  string

	connected atomic.Bool
	published atomic.Int64
	errors    atomic.Int64
}

func NewMQTTEmitter(broker, topic, clientID string) *MQTTEmitter {
	e := &MQTTEmitter{broker: broker, topic: topic}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.connected.Store(true)
		slog.Info("mqtt connection established", "broker", broker, "client_id", clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.connected.Store(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", broker)
	}

	e.client = mqtt.NewClient(opts)
	return e
}

// Connect waits briefly for the first connection; retries continue in the background.
func (e *MQTTEmitter) Connect() error {
	slog.Info("connecting to mqtt broker", "broker", e.broker)
	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	return nil
}

func (e *MQTTEmitter) Topic(deviceID string) string {
	return fmt.Sprintf("%s/%s", e.topic, deviceID)
}

func (e *MQTTEmitter) Publish(rec models.DefectRecord) {
	if !e.connected.Load() {
		e.errors.Add(1)
		slog.Debug("mqtt not connected, dropping defect event", "device_id", rec.DeviceID)
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		e.errors.Add(1)
		slog.Error("failed to marshal defect event", "error", err)
		return
	}

	topic := e.Topic(rec.DeviceID)
	token := e.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			e.errors.Add(1)
			slog.Warn("mqtt publish timeout", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			e.errors.Add(1)
			slog.Warn("mqtt publish failed", "topic", topic, "error", err)
			return
		}
		e.published.Add(1)
	}()
}

func (e *MQTTEmitter) Stats() map[string]any {
	return map[string]any{
		"connected": e.connected.Load(),
		"published": e.published.Load(),
		"errors":    e.errors.Load(),
	}
}

func (e *MQTTEmitter) Disconnect() {
	if e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	e.connected.Store(false)
}
