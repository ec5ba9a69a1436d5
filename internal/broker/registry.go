package broker

import (
	"bufio"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ZenMilan/inst-jobs/internal/wire"
	"github.com/ZenMilan/inst-jobs/pkg/log"
)

// ClientState tracks one connected worker socket. All fields except conn are
// owned by the dispatch loop; no identity is assumed stable across
// reconnects.
type ClientState struct {
	conn   net.Conn
	br     *bufio.Reader
	remote string

	name    string
	config  wire.WorkerConfig
	working bool
	waiting bool
	dropped bool
}

func newClientState(conn net.Conn) *ClientState {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &ClientState{
		conn:   conn,
		br:     bufio.NewReader(conn),
		remote: remote,
	}
}

// readLoop reads handshakes off one connection and feeds them to the
// dispatch loop. A blocked read here blocks only this goroutine; clients may
// sit silent between jobs for as long as they like.
func (b *Broker) readLoop(c *ClientState) {
	dec := msgpack.NewDecoder(c.br)
	for {
		// wait for the first byte of the next handshake with no deadline,
		// then bound decoding the rest so a partial message cannot pin the
		// connection forever
		if _, err := c.br.Peek(1); err != nil {
			b.events <- event{kind: evClosed, client: c, err: err}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(b.cfg.HandshakeTimeout))
		h, err := wire.ReadHello(dec)
		_ = c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			b.events <- event{kind: evClosed, client: c, err: err}
			return
		}
		b.events <- event{kind: evHello, client: c, hello: h}
	}
}

// dropClient closes the socket and removes the client from the registry and
// any waiting queue. Idempotent.
func (b *Broker) dropClient(c *ClientState) {
	if c.dropped {
		return
	}
	c.dropped = true
	_ = c.conn.Close()
	delete(b.clients, c)
	b.removeFromWaiting(c)
	if c.name != "" {
		b.logger.Debug("client dropped", log.Str("worker", c.name))
	}
}

func (b *Broker) removeFromWaiting(c *ClientState) {
	if !c.waiting {
		return
	}
	c.waiting = false
	queue := b.waiting[c.config]
	for i, other := range queue {
		if other == c {
			b.waiting[c.config] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(b.waiting[c.config]) == 0 {
		delete(b.waiting, c.config)
	}
}

// isDisconnect reports whether err is a normal "worker gone" signal rather
// than something worth logging.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
