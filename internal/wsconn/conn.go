// Package wsconn wraps a raw websocket connection so that a reader goroutine and a
// writer goroutine can share it.
//
// Reads drain any bytes the handshake left buffered before touching the socket.
// Writes are serialised: a single Write (control frame replies produced while
// reading) and a whole frame written through WriteFrame never interleave.
package wsconn

import (
	"bufio"
	"io"
	"net"
	"sync"
)

type Conn struct {
	net.Conn

	r  io.Reader
	mu sync.Mutex
}

// New wraps conn. br may be nil; when it is not, its buffered bytes are read first.
func New(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{Conn: conn, r: conn}
	if br != nil && br.Buffered() > 0 {
		c.r = io.MultiReader(br, conn)
	}
	return c
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(p)
}

// WriteFrame holds the write lock for the duration of write, which receives the
// underlying connection.
func (c *Conn) WriteFrame(write func(w io.Writer) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return write(c.Conn)
}
