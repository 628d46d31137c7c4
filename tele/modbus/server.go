// Package telemodbus is read-only Modbus TCP view of latest sensor values.
// Holding registers 0..5 carry temperature, pressure, humidity as big-endian
// float32 register pairs. Unit id selects sensor; unit 0 and 255 read the most
// recent reading of any sensor, zeros until first one arrives.
package telemodbus

import (
	"expvar"
	"time"

	"github.com/juju/errors"
	"github.com/simonvetter/modbus"
	"github.com/temoto/envtele/log2"
	"github.com/temoto/envtele/publish"
)

const (
	DefaultURL        = "tcp://0.0.0.0:1502"
	DefaultTimeout    = 30 * time.Second
	DefaultMaxClients = 16

	unitAny     = 0
	unitNotUsed = 0xff
)

type ServerOptions struct {
	Log        *log2.Log
	Tags       *publish.Tags
	URL        string
	Timeout    time.Duration
	MaxClients uint
}

type Stat struct {
	Requests expvar.Int
	Errors   expvar.Int
}

type Server struct {
	log  *log2.Log
	mb   *modbus.ModbusServer
	stat Stat
	tags *publish.Tags
	url  string
}

func NewServer(opt ServerOptions) (*Server, error) {
	if opt.Tags == nil {
		return nil, errors.NotValidf("code error telemodbus.ServerOptions.Tags=nil")
	}
	if opt.URL == "" {
		opt.URL = DefaultURL
	}
	if opt.Timeout == 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.MaxClients == 0 {
		opt.MaxClients = DefaultMaxClients
	}
	s := &Server{
		log:  opt.Log,
		tags: opt.Tags,
		url:  opt.URL,
	}
	mb, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        opt.URL,
		Timeout:    opt.Timeout,
		MaxClients: opt.MaxClients,
	}, s)
	if err != nil {
		return nil, errors.Annotatef(err, "modbus url=%s", opt.URL)
	}
	s.mb = mb
	return s, nil
}

func (s *Server) Start() error {
	if err := s.mb.Start(); err != nil {
		return errors.Annotatef(err, "modbus listen url=%s", s.url)
	}
	s.log.Debugf("listen url=%s", s.url)
	return nil
}

func (s *Server) Close() error { return s.mb.Stop() }

func (s *Server) Stat() *Stat { return &s.stat }

func (s *Server) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	s.stat.Requests.Add(1)
	if req.IsWrite {
		s.stat.Errors.Add(1)
		s.log.Debugf("client=%s write rejected addr=%d", req.ClientAddr, req.Addr)
		return nil, modbus.ErrIllegalFunction
	}
	end := int(req.Addr) + int(req.Quantity)
	if end > publish.RegCount {
		s.stat.Errors.Add(1)
		return nil, modbus.ErrIllegalDataAddress
	}

	var regs [publish.RegCount]uint16
	switch req.UnitId {
	case unitAny, unitNotUsed:
		regs, _ = s.tags.LatestRegisters()
	default:
		var ok bool
		if regs, ok = s.tags.Registers(int32(req.UnitId)); !ok {
			s.stat.Errors.Add(1)
			return nil, modbus.ErrIllegalDataAddress
		}
	}
	res := make([]uint16, req.Quantity)
	copy(res, regs[req.Addr:end])
	return res, nil
}

func (s *Server) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	return s.illegal()
}

func (s *Server) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	_, err := s.illegal()
	return nil, err
}

func (s *Server) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	_, err := s.illegal()
	return nil, err
}

func (s *Server) illegal() ([]uint16, error) {
	s.stat.Requests.Add(1)
	s.stat.Errors.Add(1)
	return nil, modbus.ErrIllegalFunction
}
