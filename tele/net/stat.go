package telenet

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type SessionStat struct {
	Conn expvar.Int
	Recv CountSizePair
	Send CountSizePair

	Accepted expvar.Int // valid tag, replied OK
	Rejected expvar.Int // invalid tag
	Dropped  expvar.Int // wrong size, timeout or closed before full frame
}

var _ expvar.Var = &SessionStat{}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	r.Accepted.Set(ss.Accepted.Value())
	r.Rejected.Set(ss.Rejected.Value())
	r.Dropped.Set(ss.Dropped.Value())
	return
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"recv":%s,"send":%s,"accepted":%d,"rejected":%d,"dropped":%d}`,
		ss.Conn.Value(), ss.Recv.String(), ss.Send.String(),
		ss.Accepted.Value(), ss.Rejected.Value(), ss.Dropped.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}

func (csp *CountSizePair) String() string {
	return fmt.Sprintf(`{"count":%d,"size":%d}`, csp.Count.Value(), csp.Size.Value())
}
