package helpers

import (
	"expvar"
	"io"
)

// CountedReader adds bytes read plus Overhead per non-empty read to Counter.
type CountedReader struct {
	R        io.Reader
	Counter  *expvar.Int
	Overhead int64
}

func (c *CountedReader) Read(p []byte) (int, error) {
	n, err := c.R.Read(p)
	if n > 0 {
		c.Counter.Add(int64(n) + c.Overhead)
	}
	return n, err
}

// CountedWriter adds bytes written plus Overhead per non-empty write to Counter.
type CountedWriter struct {
	W        io.Writer
	Counter  *expvar.Int
	Overhead int64
}

func (c *CountedWriter) Write(p []byte) (int, error) {
	n, err := c.W.Write(p)
	if n > 0 {
		c.Counter.Add(int64(n) + c.Overhead)
	}
	return n, err
}
