package publish

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/tele"
)

const (
	DefaultMqttPrefix  = "envtele"
	DefaultMqttTimeout = 5 * time.Second
	mqttQos            = 1
)

type MqttOptions struct {
	Log       *log2.Log
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLS       *tls.Config
	Prefix    string
	Ranges    *reading.Ranges // sets tele.Reading.Alarm when not nil
	Timeout   time.Duration
	KeepAlive time.Duration
}

// Subset of mqtt.Client used for relay.
type MqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Mqtt relays each reading as retained per-field values
// <prefix>/<id>/temperature|pressure|humidity|timestamp
// and protobuf tele.Reading to <prefix>/<id>/reading.
type Mqtt struct {
	client mqtt.Client
	log    *log2.Log
	opt    MqttOptions
	pub    MqttPublisher
}

func NewMqtt(opt MqttOptions) (*Mqtt, error) {
	if opt.BrokerURL == "" {
		return nil, errors.NotValidf("mqtt broker url empty")
	}
	m := newMqtt(opt)
	mqtt.ERROR = m.log
	mqtt.CRITICAL = m.log

	mopt := mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(m.opt.ClientID).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetKeepAlive(m.opt.KeepAlive).
		SetPingTimeout(m.opt.Timeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(m.opt.Timeout).
		SetOnConnectHandler(func(mqtt.Client) { m.log.Infof("mqtt connected broker=%s", opt.BrokerURL) }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { m.log.Errorf("mqtt connection lost err=%v", err) })
	if opt.Username != "" {
		mopt.SetUsername(opt.Username)
		mopt.SetPassword(opt.Password)
	}
	if opt.TLS != nil {
		mopt.SetTLSConfig(opt.TLS)
	}
	m.client = mqtt.NewClient(mopt)
	m.pub = m.client
	// with ConnectRetry token completes only on success, publish while offline is queued by paho
	m.client.Connect()
	return m, nil
}

func NewMqttWith(pub MqttPublisher, opt MqttOptions) *Mqtt {
	m := newMqtt(opt)
	m.pub = pub
	return m
}

func newMqtt(opt MqttOptions) *Mqtt {
	if opt.Log == nil {
		opt.Log = log2.NewStderr(log2.LError)
	}
	if opt.Prefix == "" {
		opt.Prefix = DefaultMqttPrefix
	}
	if opt.ClientID == "" {
		opt.ClientID = fmt.Sprintf("envtele-%d", helpers.RandUnix().Uint32())
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultMqttTimeout
	}
	if opt.KeepAlive == 0 {
		opt.KeepAlive = 30 * time.Second
	}
	return &Mqtt{log: opt.Log, opt: opt}
}

func (m *Mqtt) Topic(sensorID int32, field string) string {
	return m.opt.Prefix + "/" + strconv.FormatInt(int64(sensorID), 10) + "/" + field
}

func (m *Mqtt) Publish(ctx context.Context, r reading.SensorReading) error {
	var alarm []string
	if m.opt.Ranges != nil {
		alarm = m.opt.Ranges.Check(r)
	}
	payload, err := tele.MarshalReading(tele.NewReading(r, time.Now(), alarm))
	if err != nil {
		return err
	}

	fields := [...]struct {
		name  string
		value string
	}{
		{TagTemperature, formatFloat(r.Temperature)},
		{TagPressure, formatFloat(r.Pressure)},
		{TagHumidity, formatFloat(r.Humidity)},
		{TagTimestamp, r.Timestamp},
	}
	tokens := make([]mqtt.Token, 0, len(fields)+1)
	for _, f := range fields {
		tokens = append(tokens, m.pub.Publish(m.Topic(r.SensorID, f.name), mqttQos, true, []byte(f.value)))
	}
	tokens = append(tokens, m.pub.Publish(m.Topic(r.SensorID, "reading"), mqttQos, false, payload))

	deadline := time.Now().Add(m.opt.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	errs := make([]error, 0)
	for _, tok := range tokens {
		if !tok.WaitTimeout(time.Until(deadline)) {
			errs = append(errs, errors.Timeoutf("mqtt publish sensor_id=%d", r.SensorID))
			break
		}
		if err := tok.Error(); err != nil {
			errs = append(errs, errors.Annotatef(err, "mqtt publish sensor_id=%d", r.SensorID))
		}
	}
	return helpers.FoldErrors(errs)
}

func (m *Mqtt) Close() {
	if m.client != nil {
		m.client.Disconnect(uint(m.opt.Timeout / time.Millisecond))
	}
}
