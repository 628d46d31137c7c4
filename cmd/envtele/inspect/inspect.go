// Decode and sign wire data by hand. Input is one command per line:
//
//	<hex>                                   decode 100 byte frame, 36 byte reading or protobuf tele.Reading
//	sign ID TEMPERATURE PRESSURE HUMIDITY [YYYY-MM-DD HH:MM:SS]
//	help
package inspect

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/envtele/cmd/envtele/subcmd"
	"github.com/temoto/envtele/helpers/cli"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/state"
	"github.com/temoto/envtele/tele"
	teleauth "github.com/temoto/envtele/tele/auth"
)

var Mod = subcmd.Mod{Name: "inspect", Usage: "decode frames, sign test readings", Main: Main}

const usage = `<hex>                      decode frame (100 bytes), reading (36 bytes) or protobuf tele.Reading
sign ID T P H [timestamp]  print signed frame hex, timestamp defaults to now
help                       this text`

func Main(ctx context.Context, config *state.Config, args []string) error {
	g := state.GetGlobal(ctx)
	g.MustInit(ctx, config)
	g.Log.SetLevel(log2.LInfo)

	in := &Inspector{Ranges: g.Config.Server.Ranges}
	var err error
	// missing key is fine, frames are then decoded without check
	if in.Verifier, err = g.Verifier(); err != nil {
		g.Log.Infof("verify disabled: %v", err)
	}
	if in.Signer, err = g.Signer(); err != nil {
		g.Log.Infof("sign disabled: %v", err)
	}

	exec := func(line string) {
		out, err := in.Exec(line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println(out)
	}
	if len(args) != 0 {
		exec(strings.Join(args, " "))
		return nil
	}
	return cli.MainLoop("envtele-inspect", exec, complete)
}

type Inspector struct {
	Ranges   reading.Ranges
	Signer   teleauth.Signer
	Verifier teleauth.Verifier
	Now      func() time.Time
}

func (in *Inspector) Exec(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	switch fields[0] {
	case "help", "?":
		return usage, nil
	case "sign":
		return in.sign(fields[1:])
	}
	b, err := hex.DecodeString(strings.Join(fields, ""))
	if err != nil {
		return "", errors.Annotate(err, "hex")
	}
	return in.Decode(b)
}

// Decode guesses format by length: signed frame, bare reading, then protobuf.
func (in *Inspector) Decode(b []byte) (string, error) {
	switch len(b) {
	case reading.FrameSize:
		sr, err := reading.DecodeSigned(b)
		if err != nil {
			return "", err
		}
		verdict := "unverified"
		if in.Verifier != nil {
			if _, ok, _ := teleauth.VerifyFrame(in.Verifier, b); ok {
				verdict = "valid"
			} else {
				verdict = "invalid"
			}
		}
		return fmt.Sprintf("frame reading=%s tag=%s", in.describe(sr.SensorReading), verdict), nil

	case reading.ReadingSize:
		r, err := reading.Decode(b)
		if err != nil {
			return "", err
		}
		return "reading " + in.describe(r), nil
	}

	m, err := tele.UnmarshalReading(b)
	if err != nil {
		return "", errors.Errorf("length=%d neither frame=%d nor reading=%d, protobuf: %v",
			len(b), reading.FrameSize, reading.ReadingSize, err)
	}
	s := "protobuf reading=" + in.describe(m.SensorReading())
	if m.Received != 0 {
		s += " received=" + time.Unix(0, m.Received).UTC().Format(time.RFC3339)
	}
	if len(m.Alarm) != 0 {
		s += " alarm=" + strings.Join(m.Alarm, ",")
	}
	return s, nil
}

func (in *Inspector) describe(r reading.SensorReading) string {
	s := r.String()
	if fields := in.Ranges.Check(r); len(fields) != 0 {
		s += " anomaly=" + strings.Join(fields, ",")
	}
	return s
}

func (in *Inspector) sign(args []string) (string, error) {
	if in.Signer == nil {
		return "", errors.NotFoundf("signer key")
	}
	if len(args) != 4 && len(args) != 6 {
		return "", errors.NotValidf("usage: sign ID T P H [YYYY-MM-DD HH:MM:SS], arguments")
	}
	id, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return "", errors.Annotate(err, "sensor id")
	}
	var values [3]float32
	for i := range values {
		f, err := strconv.ParseFloat(args[1+i], 32)
		if err != nil {
			return "", errors.Annotatef(err, "value #%d", i+1)
		}
		values[i] = float32(f)
	}
	now := time.Now
	if in.Now != nil {
		now = in.Now
	}
	ts := reading.FormatTimestamp(now())
	if len(args) == 6 {
		ts = args[4] + " " + args[5]
		if _, err = reading.ParseTimestamp(ts); err != nil {
			return "", errors.Annotate(err, "timestamp")
		}
	}
	r := reading.SensorReading{SensorID: int32(id), Timestamp: ts, Temperature: values[0], Pressure: values[1], Humidity: values[2]}
	frame, err := teleauth.SignFrame(in.Signer, r)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(frame[:]), nil
}

var suggests = []prompt.Suggest{
	{Text: "sign", Description: "sign ID T P H [timestamp]"},
	{Text: "help", Description: "show commands"},
}

func complete(d prompt.Document) []prompt.Suggest {
	return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
}
