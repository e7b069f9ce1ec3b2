// Package mqtt implements the MQTT adapter on top of the Eclipse Paho
// client. Tag addresses are topic strings. The session is push-style: Open
// subscribes to every scan-enabled tag's topic and delivers messages on the
// Updates channel; the runner records each one as a tag sample. Read is
// never called on this session. Write publishes a UTF-8 text payload.
package mqtt

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/inlogic/gateway/driver"
	"github.com/inlogic/gateway/gateway/structs"
)

const (
	defaultPort = 1883

	// updateBuffer absorbs bursts from chatty publishers between scan
	// ticks; overflow drops the oldest pending message.
	updateBuffer = 1024
)

func init() {
	driver.Register(structs.ProtocolMQTT, Open)
}

type session struct {
	client  paho.Client
	updates chan driver.Update
	logger  hclog.Logger
}

// Open connects to the broker and subscribes to every scan-enabled topic.
func Open(ctx context.Context, dev *structs.DeviceConfig, tags []*structs.TagConfig, logger hclog.Logger) (driver.Session, error) {
	if dev.Address() == "" {
		return nil, structs.NewDriverError(structs.ErrKindConfig, "open",
			fmt.Errorf("device %s: no broker host configured", dev.ID))
	}

	clientID := dev.Options.ClientID
	if clientID == "" {
		suffix, _ := uuid.GenerateUUID()
		clientID = "inlogic-" + dev.ID + "-" + suffix[:8]
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", dev.Endpoint(defaultPort))).
		SetClientID(clientID).
		SetConnectTimeout(dev.Timeout()).
		SetAutoReconnect(false).
		SetCleanSession(true)
	if dev.Options.Login != "" {
		opts.SetUsername(dev.Options.Login)
		opts.SetPassword(dev.Options.Senha)
	}

	s := &session{
		client:  paho.NewClient(opts),
		updates: make(chan driver.Update, updateBuffer),
		logger:  logger,
	}

	token := s.client.Connect()
	if !token.WaitTimeout(dev.Timeout()) {
		return nil, structs.NewDriverError(structs.ErrKindConnect, "open",
			fmt.Errorf("broker %s: connect timed out", dev.Endpoint(defaultPort)))
	}
	if err := token.Error(); err != nil {
		return nil, structs.NewDriverError(structs.ErrKindConnect, "open", err)
	}

	for _, tag := range tags {
		if !tag.Scanned() {
			continue
		}
		topic := tag.Address
		sub := s.client.Subscribe(topic, 0, s.onMessage)
		if !sub.WaitTimeout(dev.Timeout()) || sub.Error() != nil {
			s.client.Disconnect(0)
			return nil, structs.NewDriverError(structs.ErrKindConnect, "subscribe",
				fmt.Errorf("topic %q: %v", topic, sub.Error()))
		}
		logger.Debug("subscribed", "topic", topic)
	}

	return s, nil
}

func (s *session) onMessage(_ paho.Client, msg paho.Message) {
	value, err := ParsePayload(msg.Payload())
	u := driver.Update{Address: msg.Topic(), Value: value, Err: err}
	select {
	case s.updates <- u:
	default:
		// Full buffer: drop the oldest pending update so fresh data wins.
		select {
		case <-s.updates:
		default:
		}
		select {
		case s.updates <- u:
		default:
			// A racing publisher refilled the buffer; drop this message
			// rather than block the router goroutine.
			s.logger.Warn("update buffer full, message dropped", "topic", u.Address)
		}
	}
}

// Updates implements driver.Subscriber.
func (s *session) Updates() <-chan driver.Update { return s.updates }

// Read is not supported; MQTT sessions deliver data through Updates.
func (s *session) Read(ctx context.Context, addrs []string) ([]driver.ReadResult, error) {
	return nil, structs.NewDriverError(structs.ErrKindProtocol, "read",
		fmt.Errorf("mqtt sessions are push-only"))
}

// Write publishes the value as a UTF-8 text payload on the topic.
func (s *session) Write(ctx context.Context, addr string, value any, kind structs.DataKind) (*driver.WriteReceipt, error) {
	coerced, err := structs.Coerce(value, kind)
	if err != nil {
		return nil, err
	}
	token := s.client.Publish(addr, 0, false, fmt.Sprintf("%v", coerced))
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, structs.NewDriverError(structs.ErrKindTransport, "publish", err)
	}
	return &driver.WriteReceipt{}, nil
}

func (s *session) Alive() bool { return s.client.IsConnectionOpen() }

func (s *session) Close() error {
	s.client.Disconnect(250)
	return nil
}

// ParsePayload applies the trim-and-parse rule for incoming payloads: empty
// payload is a null value (quality bad), digits parse as int, otherwise a
// float with "," accepted as the decimal separator, otherwise the raw text.
func ParsePayload(payload []byte) (any, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(text, ",", "."), 64); err == nil {
		return f, nil
	}
	return text, nil
}
