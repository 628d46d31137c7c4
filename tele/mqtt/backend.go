package telemqtt

import (
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/log2"
)

const defaultOutbox = 64

type ListenOptions struct {
	URL        string
	TLS        *tls.Config
	AllowRoles []string

	NetworkTimeout time.Duration // conn receive timeout
	ReadLimit      int64
	Outbox         int // queued packets per client, PUBLISH over limit is dropped
}

// Server side connection state.
// Single writer goroutine drains outbox so slow subscriber never blocks tag updates.
type backend struct {
	alive    *alive.Alive
	conn     transport.Conn
	connmu   sync.RWMutex
	err      helpers.AtomicError
	id       string
	log      *log2.Log
	opt      *ListenOptions
	outbox   chan packet.Generic
	role     Role
	username string
}

func newBackend(conn transport.Conn, opt *ListenOptions, log *log2.Log, pktConnect *packet.Connect, role Role) *backend {
	b := &backend{
		alive:    alive.NewAlive(),
		conn:     conn,
		id:       pktConnect.ClientID,
		log:      log,
		opt:      opt,
		outbox:   make(chan packet.Generic, opt.Outbox),
		role:     role,
		username: pktConnect.Username,
	}
	b.alive.Add(1)
	go b.writer()
	return b
}

// Enqueue control packet, client unable to keep up is disconnected.
func (b *backend) Send(pkt packet.Generic) error {
	if !b.alive.IsRunning() {
		return ErrClosing
	}
	select {
	case b.outbox <- pkt:
		return nil
	default:
		return b.die(errors.Errorf("outbox full clientid=%s", b.id))
	}
}

// Enqueue QoS0 message, returns false when dropped.
func (b *backend) Publish(msg *packet.Message) bool {
	if !b.alive.IsRunning() {
		return false
	}
	pub := packet.NewPublish()
	pub.Message = *msg
	pub.Message.QOS = packet.QOSAtMostOnce
	select {
	case b.outbox <- pub:
		return true
	default:
		b.log.Debugf("mqtt drop id=%s %s", b.id, MessageString(msg))
		return false
	}
}

func (b *backend) Receive() (packet.Generic, error) {
	conn := b.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	b.log.Debugf("mqtt recv addr=%s id=%s pkt=%s err=%v", helpers.AddrString(conn.RemoteAddr()), b.id, PacketString(pkt), err)
	switch err {
	case nil:
		return pkt, nil

	case io.EOF: // remote properly closed connection
		_ = b.die(err)
		return nil, err

	default:
		if !b.alive.IsRunning() && helpers.IsClosedConn(err) {
			// conn.Close was used to interrupt blocking Receive
			return nil, ErrClosing
		}
		_ = b.die(err)
		return nil, err
	}
}

func (b *backend) RemoteAddr() net.Addr {
	if conn := b.getConn(); conn != nil {
		return conn.RemoteAddr()
	}
	return nil
}

func (b *backend) writer() {
	defer b.alive.Done()
	for {
		select {
		case pkt := <-b.outbox:
			if err := b.write(pkt); err != nil {
				_ = b.die(err)
				return
			}
		case <-b.alive.StopChan():
			return
		}
	}
}

func (b *backend) write(pkt packet.Generic) error {
	conn := b.getConn()
	if conn == nil {
		return ErrClosing
	}
	b.log.Debugf("mqtt send id=%s pkt=%s", b.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !b.alive.IsRunning() && helpers.IsClosedConn(err) {
			return ErrClosing
		}
		return errors.Annotatef(err, "clientid=%s", b.id)
	}
	return nil
}

// Flush waits until outbox is written or timeout.
func (b *backend) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for len(b.outbox) != 0 && b.alive.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func (b *backend) die(e error) error {
	err, found := b.err.StoreOnce(e)
	if found {
		return err
	}
	b.log.Debugf("mqtt die id=%s e=%v", b.id, e)
	b.alive.Stop()
	helpers.WithLock(&b.connmu, func() {
		if b.conn != nil {
			_ = b.conn.Close()
			b.conn = nil
		}
	})
	return e
}

func (b *backend) getConn() transport.Conn {
	b.connmu.RLock()
	c := b.conn
	b.connmu.RUnlock()
	return c
}
