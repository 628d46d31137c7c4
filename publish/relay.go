package publish

import (
	"context"
	"expvar"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/reading"
	"github.com/temoto/envtele/tele"
	"github.com/temoto/spq"
)

// denote value type in persistent queue bytes form
const (
	qReading byte = 1
)

const (
	DefaultRelayRetryMin = 1 * time.Second
	DefaultRelayRetryMax = 5 * time.Minute
	DefaultRelayTimeout  = 30 * time.Second
)

type RelayOptions struct {
	Log      *log2.Log
	Path     string // spq.OnlyForTesting keeps queue in memory
	Target   Publisher
	RetryMin time.Duration
	RetryMax time.Duration
	Timeout  time.Duration // single delivery attempt
}

type RelayStat struct {
	Queued    expvar.Int
	Delivered expvar.Int
	Failed    expvar.Int
}

// Relay contract:
// - Publish blocks at most for disk write
// - target may be slow or absent, readings are delivered in background, at least once
// - failed reading goes to queue tail, so one poison reading does not block the rest
// - Close stops delivery, undelivered readings stay on disk for next Open
type Relay struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	cancel  context.CancelFunc
	ctx     context.Context
	log     *log2.Log
	opt     RelayOptions
	q       *spq.Queue
	stat    RelayStat
}

func NewRelay(opt RelayOptions) (*Relay, error) {
	if opt.Target == nil {
		return nil, errors.NotValidf("relay target")
	}
	if opt.Path == "" {
		return nil, errors.NotValidf("relay queue path empty")
	}
	if opt.RetryMin == 0 {
		opt.RetryMin = DefaultRelayRetryMin
	}
	if opt.RetryMax == 0 {
		opt.RetryMax = DefaultRelayRetryMax
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultRelayTimeout
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "relay queue path=%s", opt.Path)
	}
	r := &Relay{
		alive: alive.NewAlive(),
		backoff: helpers.Backoff{
			Min: opt.RetryMin,
			Max: opt.RetryMax,
			K:   2,
		},
		log: opt.Log,
		opt: opt,
		q:   q,
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.alive.Add(1)
	go r.worker()
	return r, nil
}

func (r *Relay) Publish(ctx context.Context, sr reading.SensorReading) error {
	buf := proto.NewBuffer(make([]byte, 0, 128))
	if err := buf.EncodeVarint(uint64(qReading)); err != nil {
		return errors.Trace(err)
	}
	if err := buf.Marshal(tele.NewReading(sr, time.Now(), nil)); err != nil {
		return errors.Annotate(err, "relay marshal")
	}
	if err := r.q.Push(buf.Bytes()); err != nil {
		return errors.Annotate(err, "relay push")
	}
	r.stat.Queued.Add(1)
	return nil
}

func (r *Relay) Stat() *RelayStat { return &r.stat }

func (r *Relay) Close() error {
	r.alive.Stop()
	r.cancel()
	err := r.q.Close()
	r.alive.Wait()
	return err
}

func (r *Relay) worker() {
	defer r.alive.Done()
	for {
		box, err := r.q.Peek()
		switch err {
		case nil:
			b := box.Bytes()
			var del bool
			del, err = r.handle(b)
			if err != nil {
				r.log.Errorf("relay handle b=%x err=%v", b, err)
			}
			if del {
				err = r.q.Delete(box)
			} else {
				err = r.q.DeletePush(box)
			}
			if err != nil && r.alive.IsRunning() {
				r.log.Errorf("relay queue del=%t b=%x err=%v", del, b, err)
			}
			if del {
				r.backoff.Reset()
			} else if !r.sleep(r.backoff.DelayAfter(false)) {
				return
			}

		case spq.ErrClosed:
			if r.alive.IsRunning() {
				r.log.Errorf("CRITICAL relay spq closed unexpectedly")
			}
			return

		default:
			r.log.Errorf("CRITICAL relay spq err=%v", err)
			if !r.sleep(r.opt.RetryMax) {
				return
			}
		}
	}
}

// Returns true when reading needs no more attempts.
func (r *Relay) handle(b []byte) (bool, error) {
	if len(b) == 0 {
		return true, errors.Errorf("relay spq peek=empty")
	}
	buf := proto.NewBuffer(b)
	tag, err := buf.DecodeVarint()
	if err != nil {
		return true, errors.Annotate(err, "relay decode tag")
	}
	switch byte(tag) {
	case qReading:
		m := &tele.Reading{}
		if err := buf.Unmarshal(m); err != nil {
			return true, errors.Annotate(err, "relay unmarshal")
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.opt.Timeout)
		defer cancel()
		if err := r.opt.Target.Publish(ctx, m.SensorReading()); err != nil {
			r.stat.Failed.Add(1)
			return false, errors.Annotatef(err, "relay deliver sensor_id=%d timestamp=%s", m.GetSensorId(), m.GetTimestamp())
		}
		r.stat.Delivered.Add(1)
		return true, nil

	default:
		return true, errors.Errorf("relay unknown kind=%d", tag)
	}
}

func (r *Relay) sleep(d time.Duration) bool {
	if d <= 0 {
		return r.alive.IsRunning()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.alive.StopChan():
		return false
	}
}
