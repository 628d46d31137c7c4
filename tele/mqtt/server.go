// Package telemqtt is read-only MQTT view of latest sensor tags.
// Clients subscribe (QoS 0) to sensor/<id>/<field> and receive retained last value
// followed by live updates. PUBLISH from clients is a protocol violation here.
package telemqtt

import (
	"expvar"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
)

const (
	defaultReadLimit      = 64 << 10
	DefaultNetworkTimeout = 30 * time.Second

	TopicClients = "$SYS/envtele/clients"
)

var (
	ErrSameClient = fmt.Errorf("clientid overtake")
	ErrClosing    = fmt.Errorf("server is closing")
	ErrReadOnly   = fmt.Errorf("tag server is read-only")
)

type ServerOptions struct {
	Log     *log2.Log
	Users   map[string]User
	OnClose CloseFunc // valid client connection lost
}

type CloseFunc = func(clientID string, e error)

type Stat struct {
	Clients   expvar.Int
	Delivered expvar.Int
	Dropped   expvar.Int
}

// Server.subs is prefix tree of pattern -> []*subscription
type subscription struct {
	pattern string
	b       *backend
}

type Server struct {
	sync.RWMutex

	alive    *alive.Alive
	backends struct {
		sync.RWMutex
		m map[string]*backend
	}
	listens map[string]*transport.NetServer
	log     *log2.Log
	onClose CloseFunc
	retain  *topic.Tree // *packet.Message
	stat    Stat
	subs    *topic.Tree // *subscription
	users   map[string]User
}

func NewServer(opt ServerOptions) *Server {
	s := &Server{
		alive:   alive.NewAlive(),
		log:     opt.Log,
		onClose: opt.OnClose,
		retain:  topic.NewStandardTree(),
		subs:    topic.NewStandardTree(),
		users:   opt.Users,
	}
	s.backends.m = make(map[string]*backend)
	return s
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Stat() *Stat { return &s.stat }

func (s *Server) Close() error {
	// serialize well with acceptLoop
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.backends.RLocker(), func() {
		for _, b := range s.backends.m {
			_ = b.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.listens = make(map[string]*transport.NetServer, len(lopts))

	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		if opt.Outbox == 0 {
			opt.Outbox = defaultOutbox
		}
		s.log.Debugf("mqtt listen url=%s timeout=%v roles=%v", opt.URL, opt.NetworkTimeout, opt.AllowRoles)

		ns, err := s.listen(opt)
		if err != nil {
			err = errors.Annotatef(err, "mqtt listen url=%s", opt.URL)
			errs = append(errs, err)
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

// OnTag makes tag value retained and delivers it to current subscribers.
// Empty value clears retained message.
func (s *Server) OnTag(tag publish.Tag) {
	s.publish(&packet.Message{Topic: tag.Topic, Payload: []byte(tag.Value), Retain: true})
}

func (s *Server) publish(msg *packet.Message) {
	if len(msg.Payload) != 0 {
		s.retain.Set(msg.Topic, msg.Copy())
	} else {
		s.retain.Empty(msg.Topic)
	}

	live := msg.Copy()
	live.Retain = false
	uniq := make(map[*backend]struct{}) // deduplicate overlapping subscriptions
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if _, ok := uniq[sub.b]; ok || !canSee(sub.b.role, msg.Topic) {
			continue
		}
		uniq[sub.b] = struct{}{}
		s.deliver(sub.b, live)
	}
}

func (s *Server) deliver(b *backend, msg *packet.Message) {
	if b.Publish(msg) {
		s.stat.Delivered.Add(1)
	} else {
		s.stat.Dropped.Add(1)
	}
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	if len(xs) == 0 {
		return nil
	}
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

func (s *Server) listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}

	var ns *transport.NetServer
	switch u.Scheme {
	case "tls":
		if ns, err = transport.CreateSecureNetServer(u.Host, opt.TLS); err != nil {
			return nil, errors.Annotate(err, "CreateSecureNetServer")
		}

	case "tcp", "unix":
		listen, err := net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, u.Host)
		}
		ns = transport.NewNetServer(listen)
	}
	if ns == nil {
		return nil, errors.Errorf("unsupported listen url=%s", opt.URL)
	}
	return ns, nil
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "mqtt accept listen=%s", opt.URL))
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn, opt)
	}
}

func (s *Server) onAccept(conn transport.Conn, opt *ListenOptions) (*backend, error) {
	var err error
	addr := helpers.AddrString(conn.RemoteAddr())
	defer errors.DeferredAnnotatef(&err, "addr=%s", addr)
	// Receive first packet without backend
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}

	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		err = errors.Errorf("expected CONNECT pkt=%s", PacketString(pkt))
		return nil, err
	}

	connack := packet.NewConnack()
	connack.SessionPresent = false
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		err = errors.Errorf("empty clientid")
		return nil, err
	}
	role := s.authenticate(opt, pktConnect)
	if role == RoleInvalid {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		err = errors.Unauthorizedf("clientid=%s username=%s", pktConnect.ClientID, pktConnect.Username)
		return nil, err
	}
	s.log.Debugf("mqtt CONNECT addr=%s client=%s username=%s role=%s keepalive=%d",
		addr, pktConnect.ClientID, pktConnect.Username, role, pktConnect.KeepAlive)

	keepAlive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepAlive == 0 || keepAlive > opt.NetworkTimeout {
		keepAlive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepAlive + keepAlive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newBackend(conn, opt, s.log, pktConnect, role), nil
}

func (s *Server) processConn(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addrNew := helpers.AddrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	b, err := s.onAccept(conn, opt)
	if err != nil {
		s.log.Infof("mqtt onAccept addr=%s err=%v", addrNew, err)
		_ = conn.Close()
		return
	}

	helpers.WithLock(&s.backends, func() {
		// close existing client with same id
		if ex, ok := s.backends.m[b.id]; ok {
			s.log.Infof("mqtt client overtake id=%s ex=%s new=%s", b.id, helpers.AddrString(ex.RemoteAddr()), addrNew)
			_ = ex.die(ErrSameClient)
		}
		s.backends.m[b.id] = b
	})
	s.updateClients(1)

	for {
		pkt, err := b.Receive()
		if !b.alive.IsRunning() || !s.alive.IsRunning() {
			break
		}
		if err != nil {
			break
		}
		if err = s.processPacket(b, pkt); err != nil {
			if err != errDisconnect {
				s.log.Infof("mqtt id=%s addr=%s err=%v", b.id, addrNew, err)
			}
			b.Flush(opt.NetworkTimeout)
			_ = b.die(err)
			break
		}
	}

	// mandatory cleanup on backend closed
	closeErr := b.die(ErrClosing)
	b.alive.Wait()
	helpers.WithLock(&s.backends, func() {
		if ex := s.backends.m[b.id]; b == ex {
			delete(s.backends.m, b.id)
		}
	})
	s.unsubscribe(b, nil)
	s.updateClients(-1)
	if s.onClose != nil {
		s.onClose(b.id, closeErr)
	}
}

var errDisconnect = fmt.Errorf("disconnect")

// on each incoming packet after connect handshake
func (s *Server) processPacket(b *backend, pkt packet.Generic) error {
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		return b.Send(packet.NewPingresp())

	case *packet.Subscribe:
		return s.onSubscribe(b, pt)

	case *packet.Unsubscribe:
		s.unsubscribe(b, pt.Topics)
		unsuback := packet.NewUnsuback()
		unsuback.ID = pt.ID
		return b.Send(unsuback)

	case *packet.Publish:
		return errors.Annotatef(ErrReadOnly, "client=%s topic=%s", b.id, pt.Message.Topic)

	case *packet.Disconnect:
		return errDisconnect

	default:
		return errors.Errorf("unexpected packet %s", PacketString(pkt))
	}
}

func (s *Server) onSubscribe(b *backend, pkt *packet.Subscribe) error {
	// A SUBSCRIBE packet with no payload is a protocol violation [MQTT-3.8.3-3].
	if len(pkt.Subscriptions) == 0 {
		return errors.Errorf("subscribe request with empty sub list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	var retained []*packet.Message
	for _, sub := range pkt.Subscriptions {
		if sub.Topic == "" || !canSee(b.role, sub.Topic) {
			suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSFailure)
			continue
		}
		s.subs.Add(sub.Topic, &subscription{pattern: sub.Topic, b: b})
		suback.ReturnCodes = append(suback.ReturnCodes, packet.QOSAtMostOnce)
		for _, v := range s.retain.Search(sub.Topic) {
			if msg := v.(*packet.Message); canSee(b.role, msg.Topic) {
				retained = append(retained, msg)
			}
		}
	}
	if err := b.Send(suback); err != nil {
		return errors.Annotate(err, "onSubscribe")
	}
	for _, msg := range retained {
		s.deliver(b, msg)
	}
	return nil
}

// Empty patterns remove all subscriptions of b.
func (s *Server) unsubscribe(b *backend, patterns []string) {
	for _, value := range s.subs.All() {
		sub := value.(*subscription)
		if sub.b != b {
			continue
		}
		if len(patterns) == 0 || slices.Contains(patterns, sub.pattern) {
			s.subs.Remove(sub.pattern, value)
		}
	}
}

func (s *Server) updateClients(delta int64) {
	s.stat.Clients.Add(delta)
	n := s.stat.Clients.Value()
	s.publish(&packet.Message{Topic: TopicClients, Payload: []byte(strconv.FormatInt(n, 10)), Retain: true})
}
