package telenet

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
	"github.com/temoto/envtele/reading"
	teleauth "github.com/temoto/envtele/tele/auth"
)

// Server side of reading transport.
// Each accepted connection gets own goroutine, buffers and exactly one exchange.
type Server struct {
	alive   *alive.Alive
	ctx     context.Context
	listens struct {
		sync.RWMutex
		m map[string]net.Listener
	}
	log       *log2.Log
	metrics   *Metrics
	publisher publish.Publisher
	ranges    reading.Ranges
	stat      SessionStat
	verifier  teleauth.Verifier
}

type ServerOptions struct {
	Log       *log2.Log
	Verifier  teleauth.Verifier
	Publisher publish.Publisher // default Nop
	Ranges    *reading.Ranges   // only for anomaly log lines, default reading.DefaultRanges
	Metrics   *Metrics
}

type ListenOptions struct {
	URL string
	TLS *tls.Config
	// Time to receive full frame after accept.
	IdleTimeout time.Duration
	// Reply write timeout.
	NetworkTimeout time.Duration
}

func NewServer(opt ServerOptions) (*Server, error) {
	if opt.Verifier == nil {
		return nil, errors.NotValidf("code error ServerOptions.Verifier=nil")
	}
	s := &Server{
		alive:     alive.NewAlive(),
		ctx:       context.Background(),
		log:       opt.Log,
		metrics:   opt.Metrics,
		publisher: opt.Publisher,
		ranges:    reading.DefaultRanges,
		verifier:  opt.Verifier,
	}
	if s.publisher == nil {
		s.publisher = publish.Nop{}
	}
	if opt.Ranges != nil {
		s.ranges = *opt.Ranges
	}
	s.listens.m = make(map[string]net.Listener)
	return s, nil
}

func (s *Server) Addrs() []string {
	s.listens.RLock()
	defer s.listens.RUnlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, l := range s.listens.m {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Listen fails if any listener could not start, already started listeners keep running.
// ctx is passed to publisher.
func (s *Server) Listen(ctx context.Context, opts []ListenOptions) error {
	s.listens.Lock()
	defer s.listens.Unlock()

	s.ctx = ctx
	errs := make([]error, 0)
	for _, opt := range opts {
		if opt.IdleTimeout == 0 {
			opt.IdleTimeout = DefaultIdleTimeout
		}
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		s.log.Debugf("listen url=%s idle=%v", opt.URL, opt.IdleTimeout)
		if !s.alive.Add(1) {
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		if err := s.listenStream(opt); err != nil {
			s.alive.Done()
			err = errors.Annotatef(err, "listenStream %s", opt.URL)
			errs = append(errs, err)
			continue
		}
	}
	return helpers.FoldErrors(errs)
}

// Run blocks until ctx is done or server is closed, then waits for in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-s.alive.StopChan():
	}
	return s.Close()
}

// Close stops accepting, waits for in-flight connections to finish.
func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(&s.listens, func() {
		for key, ll := range s.listens.m {
			if err := ll.Close(); err != nil && !helpers.IsClosedConn(err) {
				errs = append(errs, err)
			}
			delete(s.listens.m, key)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Stat() *SessionStat { return &s.stat }

func (s *Server) connOptions(lo *ListenOptions) ConnOptions {
	return ConnOptions{
		Log:            s.log,
		NetworkTimeout: lo.NetworkTimeout,
		TLS:            lo.TLS,
	}
}

func (s *Server) listenStream(opt ListenOptions) error {
	scheme, hostport, err := helpers.ParseURL(opt.URL)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}

	var ll net.Listener
	switch scheme {
	case "tls":
		if ll, err = tls.Listen("tcp", hostport, opt.TLS); err != nil {
			return errors.Annotate(err, "tls.Listen")
		}

	case "tcp", "unix":
		ll, err = net.Listen(scheme, hostport)
		if err != nil {
			return errors.Annotatef(err, "net.Listen network=%s address=%s", scheme, hostport)
		}
	}
	if ll == nil {
		return errors.Errorf("unsupported listen url=%s", opt.URL)
	}

	s.listens.m[opt.URL] = ll
	go s.acceptLoop(ll, opt)
	return nil
}

func (s *Server) acceptLoop(ll net.Listener, opt ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	backoff := helpers.Backoff{Min: 5 * time.Millisecond, Max: time.Second, K: 2}
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			if helpers.IsClosedConn(err) {
				return
			}
			// e.g. too many open files, keep serving after a pause
			s.log.Errorf("accept listen=%s err=%v", helpers.AddrString(ll.Addr()), err)
			select {
			case <-time.After(backoff.DelayAfter(false)):
			case <-s.alive.StopChan():
				return
			}
			continue
		}
		backoff.Reset()

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(newStreamConn(conn, s.connOptions(&opt), &s.stat), opt)
	}
}

func (s *Server) processConn(conn *streamConn, opt ListenOptions) {
	defer s.alive.Done()
	defer conn.Close()
	begin := time.Now()
	s.metrics.connBegin()
	defer func() { s.metrics.connEnd(time.Since(begin).Seconds()) }()
	s.stat.Conn.Add(1)

	frame, err := conn.ReadFrame(opt.IdleTimeout)
	if err != nil {
		// wrong size, timeout or peer gone: no reply, no log
		s.stat.Dropped.Add(1)
		s.metrics.frame(verdictDropped)
		return
	}
	s.onFrame(conn, frame)
}

func (s *Server) onFrame(conn *streamConn, frame []byte) {
	addr := helpers.AddrString(conn.RemoteAddr())
	sr, ok, err := teleauth.VerifyFrame(s.verifier, frame)
	if err != nil {
		s.log.Errorf("code error onFrame addr=%s err=%v", addr, err)
		return
	}
	if !ok {
		s.stat.Rejected.Add(1)
		s.metrics.frame(verdictRejected)
		s.log.Infof("rejected addr=%s sensor_id=%d: invalid signature", addr, sr.SensorID)
		if err = conn.Write([]byte(ReplyInvalid)); err != nil {
			s.log.Debugf("reply addr=%s err=%v", addr, err)
		}
		return
	}

	r := sr.SensorReading
	s.stat.Accepted.Add(1)
	s.metrics.frame(verdictAccepted)
	s.log.Infof("accepted addr=%s reading=%s", addr, r.String())
	if fields := s.ranges.Check(r); len(fields) != 0 {
		s.log.Infof("anomaly sensor_id=%d fields=%v", r.SensorID, fields)
	}
	// best effort, device gets OK for a valid tag regardless of downstream health
	if err = s.publisher.Publish(s.ctx, r); err != nil {
		s.metrics.publishError()
		s.log.Errorf("publish reading=%s err=%v", r.String(), err)
	}
	if err = conn.Write([]byte(ReplyOK)); err != nil {
		s.log.Debugf("reply addr=%s err=%v", addr, err)
	}
}
