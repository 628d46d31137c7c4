package reading

// Range bounds are inclusive.
type Range struct {
	Min float32 `hcl:"min"`
	Max float32 `hcl:"max"`
}

func (r Range) Contains(v float32) bool { return v >= r.Min && v <= r.Max }

// Ranges describe nominal operating conditions.
// Values outside are still valid payloads, downstream uses them to raise alarms.
type Ranges struct {
	Temperature Range `hcl:"temperature"`
	Pressure    Range `hcl:"pressure"`
	Humidity    Range `hcl:"humidity"`
}

var DefaultRanges = Ranges{
	Temperature: Range{Min: 10, Max: 37},
	Pressure:    Range{Min: 950, Max: 1100},
	Humidity:    Range{Min: 20, Max: 85},
}

// WithDefaults replaces each unset (zero) field with the one from def.
func (rs Ranges) WithDefaults(def Ranges) Ranges {
	if rs.Temperature == (Range{}) {
		rs.Temperature = def.Temperature
	}
	if rs.Pressure == (Range{}) {
		rs.Pressure = def.Pressure
	}
	if rs.Humidity == (Range{}) {
		rs.Humidity = def.Humidity
	}
	return rs
}

// Check returns names of fields outside nominal range, nil if all fine.
func (rs Ranges) Check(r SensorReading) []string {
	var out []string
	if !rs.Temperature.Contains(r.Temperature) {
		out = append(out, "temperature")
	}
	if !rs.Pressure.Contains(r.Pressure) {
		out = append(out, "pressure")
	}
	if !rs.Humidity.Contains(r.Humidity) {
		out = append(out, "humidity")
	}
	return out
}
