// source: tele.proto
// Kept in protoc-gen-go v1.3 (struct tag) form; regenerate with `go generate` after changing tele.proto.

package tele

import (
	fmt "fmt"
	math "math"

	proto "github.com/golang/protobuf/proto"
)

// Reference imports to suppress errors if they are not otherwise used.
var _ = proto.Marshal
var _ = fmt.Errorf
var _ = math.Inf

// Verified reading as relayed downstream (queue, MQTT).
// Wire frame between device and server is fixed binary, see package reading.
type Reading struct {
	SensorId    int32   `protobuf:"varint,1,opt,name=sensor_id,json=sensorId,proto3" json:"sensor_id,omitempty"`
	Timestamp   string  `protobuf:"bytes,2,opt,name=timestamp,proto3" json:"timestamp,omitempty"`
	Temperature float32 `protobuf:"fixed32,3,opt,name=temperature,proto3" json:"temperature,omitempty"`
	Pressure    float32 `protobuf:"fixed32,4,opt,name=pressure,proto3" json:"pressure,omitempty"`
	Humidity    float32 `protobuf:"fixed32,5,opt,name=humidity,proto3" json:"humidity,omitempty"`
	// server receive time, unix nanoseconds
	Received int64 `protobuf:"varint,6,opt,name=received,proto3" json:"received,omitempty"`
	// fields outside nominal range
	Alarm                []string `protobuf:"bytes,7,rep,name=alarm,proto3" json:"alarm,omitempty"`
	XXX_NoUnkeyedLiteral struct{} `json:"-"`
	XXX_unrecognized     []byte   `json:"-"`
	XXX_sizecache        int32    `json:"-"`
}

func (m *Reading) Reset()         { *m = Reading{} }
func (m *Reading) String() string { return proto.CompactTextString(m) }
func (*Reading) ProtoMessage()    {}

func (m *Reading) GetSensorId() int32 {
	if m != nil {
		return m.SensorId
	}
	return 0
}

func (m *Reading) GetTimestamp() string {
	if m != nil {
		return m.Timestamp
	}
	return ""
}

func (m *Reading) GetTemperature() float32 {
	if m != nil {
		return m.Temperature
	}
	return 0
}

func (m *Reading) GetPressure() float32 {
	if m != nil {
		return m.Pressure
	}
	return 0
}

func (m *Reading) GetHumidity() float32 {
	if m != nil {
		return m.Humidity
	}
	return 0
}

func (m *Reading) GetReceived() int64 {
	if m != nil {
		return m.Received
	}
	return 0
}

func (m *Reading) GetAlarm() []string {
	if m != nil {
		return m.Alarm
	}
	return nil
}

func init() {
	proto.RegisterType((*Reading)(nil), "tele.Reading")
}
