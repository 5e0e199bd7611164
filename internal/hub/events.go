package hub

import (
	"encoding/json"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/canvas-voice-lab/internal/logging"
)

// Lifecycle event names published on the broker.
const (
	EventBoardOpened   = "board-opened"
	EventBoardIdle     = "board-idle-cleanup"
	EventVoiceActivity = "voice-activity"
)

// EventPublisher receives hub lifecycle events. A nil publisher disables
// the path entirely.
type EventPublisher interface {
	Publish(event, boardID string, payload interface{})
}

// MQTTPublisher fans lifecycle events out to an MQTT broker under
// canvas/boards/<boardID>/<event>. Connection management runs in the
// background; publishes before the first connect are dropped with a warning
// rather than queued.
type MQTTPublisher struct {
	client paho.Client
}

func NewMQTTPublisher(brokerURL, clientID string) *MQTTPublisher {
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logging.Warnw("hub: mqtt connection lost", "error", err.Error())
	})
	opts.SetOnConnectHandler(func(paho.Client) {
		logging.Infow("hub: mqtt connected", "broker", brokerURL)
	})
	client := paho.NewClient(opts)
	go func() {
		for {
			if token := client.Connect(); token.Wait() && token.Error() != nil {
				logging.Warnw("hub: mqtt connect failed, retrying", "error", token.Error().Error())
				time.Sleep(5 * time.Second)
				continue
			}
			return
		}
	}()
	return &MQTTPublisher{client: client}
}

func (p *MQTTPublisher) Publish(event, boardID string, payload interface{}) {
	if !p.client.IsConnectionOpen() {
		logging.Debugw("hub: event dropped, mqtt not connected", "event", event, "boardId", boardID)
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		logging.Warnw("hub: event payload marshal failed", "event", event, "error", err.Error())
		return
	}
	topic := "canvas/boards/" + boardID + "/" + event
	if token := p.client.Publish(topic, 0, false, body); token.Wait() && token.Error() != nil {
		logging.Warnw("hub: mqtt publish failed", "topic", topic, "error", token.Error().Error())
	}
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
