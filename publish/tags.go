package publish

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/topic"
	"github.com/temoto/envtele/reading"
)

const TagRoot = "sensor"

const (
	TagTemperature = "temperature"
	TagPressure    = "pressure"
	TagHumidity    = "humidity"
	TagTimestamp   = "timestamp"
	TagAlarm       = "alarm"
)

// Holding register layout per sensor, two big-endian words per float.
const (
	RegTemperature = 0
	RegPressure    = 2
	RegHumidity    = 4
	RegCount       = 6
)

type Tag struct {
	Topic   string
	Value   string
	Updated time.Time
}

func (t Tag) String() string { return fmt.Sprintf("%s=%q", t.Topic, t.Value) }

type TagFunc func(Tag)

// Tags keeps latest value of every sensor field, addressable by MQTT style topics.
// Alarm tag is comma separated list of fields outside nominal ranges, empty when all good.
type Tags struct {
	mu       sync.Mutex
	last     map[int32]reading.SensorReading
	latest   int32 // sensor id of most recent reading
	onUpdate []TagFunc
	ranges   reading.Ranges
	tree     *topic.Tree // topic -> Tag
	Now      func() time.Time
}

func NewTags(ranges reading.Ranges) *Tags {
	return &Tags{
		last:   make(map[int32]reading.SensorReading),
		ranges: ranges,
		tree:   topic.NewStandardTree(),
		Now:    time.Now,
	}
}

func TagTopic(sensorID int32, field string) string {
	return TagRoot + "/" + strconv.FormatInt(int64(sensorID), 10) + "/" + field
}

// OnUpdate adds f to be called for each changed tag, outside of lock.
func (t *Tags) OnUpdate(f TagFunc) {
	t.mu.Lock()
	t.onUpdate = append(t.onUpdate, f)
	t.mu.Unlock()
}

func (t *Tags) Publish(ctx context.Context, r reading.SensorReading) error {
	now := t.Now()
	tags := [...]Tag{
		{Topic: TagTopic(r.SensorID, TagTemperature), Value: formatFloat(r.Temperature)},
		{Topic: TagTopic(r.SensorID, TagPressure), Value: formatFloat(r.Pressure)},
		{Topic: TagTopic(r.SensorID, TagHumidity), Value: formatFloat(r.Humidity)},
		{Topic: TagTopic(r.SensorID, TagTimestamp), Value: r.Timestamp},
		{Topic: TagTopic(r.SensorID, TagAlarm), Value: strings.Join(t.ranges.Check(r), ",")},
	}
	t.mu.Lock()
	t.last[r.SensorID] = r
	t.latest = r.SensorID
	for i := range tags {
		tags[i].Updated = now
		t.tree.Set(tags[i].Topic, tags[i])
	}
	hooks := t.onUpdate
	t.mu.Unlock()

	for _, f := range hooks {
		for _, tag := range tags {
			f(tag)
		}
	}
	return nil
}

func (t *Tags) Get(name string) (Tag, bool) {
	xs := t.tree.Match(name)
	if len(xs) == 0 {
		return Tag{}, false
	}
	return xs[0].(Tag), true
}

// Match returns tags selected by pattern with + and # wildcards, sorted by topic.
func (t *Tags) Match(pattern string) []Tag {
	xs := t.tree.Search(pattern)
	tags := make([]Tag, 0, len(xs))
	for _, x := range xs {
		tags = append(tags, x.(Tag))
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Topic < tags[j].Topic })
	return tags
}

func (t *Tags) All() []Tag { return t.Match("#") }

func (t *Tags) Registers(sensorID int32) ([RegCount]uint16, bool) {
	t.mu.Lock()
	r, ok := t.last[sensorID]
	t.mu.Unlock()
	return readingRegs(r, ok)
}

// LatestRegisters is register view of most recent reading from any sensor, zeros before first one.
func (t *Tags) LatestRegisters() ([RegCount]uint16, bool) {
	t.mu.Lock()
	r, ok := t.last[t.latest]
	t.mu.Unlock()
	return readingRegs(r, ok)
}

func readingRegs(r reading.SensorReading, ok bool) ([RegCount]uint16, bool) {
	var regs [RegCount]uint16
	if !ok {
		return regs, false
	}
	putFloatRegs(regs[RegTemperature:], r.Temperature)
	putFloatRegs(regs[RegPressure:], r.Pressure)
	putFloatRegs(regs[RegHumidity:], r.Humidity)
	return regs, true
}

func putFloatRegs(dst []uint16, f float32) {
	u := math.Float32bits(f)
	dst[0] = uint16(u >> 16)
	dst[1] = uint16(u)
}

func formatFloat(f float32) string { return strconv.FormatFloat(float64(f), 'f', -1, 32) }
