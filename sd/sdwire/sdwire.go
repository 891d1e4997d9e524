// Package sdwire carries a controller register window over a stream
// connection. A server exposes a local sdhc.Window (usually an sdmodel
// card); clients drive it remotely and receive interrupt notifications
// asynchronously. Frames are fixed-size and little-endian, and the
// server handles one frame at a time per connection, so a client's
// writes are ordered before its later reads.
package sdwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"
)

// frame ops
const (
	opRead      = 1 // client -> server: read the register at Off
	opReadReply = 2 // server -> client: Val holds the register value
	opWrite     = 3 // client -> server: write Val to the register at Off
	opInterrupt = 4 // server -> client: an interrupt is pending
)

// sizeofFrame is the binary size of a wire frame.
const sizeofFrame = 12

// frame is one wire message.
type frame struct {
	Op  uint32
	Off uint32
	Val uint32
}

func (f frame) PutBinary(p []byte) {
	_ = p[:sizeofFrame]
	binary.LittleEndian.PutUint32(p[0:4], f.Op)
	binary.LittleEndian.PutUint32(p[4:8], f.Off)
	binary.LittleEndian.PutUint32(p[8:12], f.Val)
}

// frameView is a read-only view of an encoded frame.
type frameView []byte

func (v frameView) Op() uint32 {
	return binary.LittleEndian.Uint32(v[0:4])
}

func (v frameView) Off() uint32 {
	return binary.LittleEndian.Uint32(v[4:8])
}

func (v frameView) Val() uint32 {
	return binary.LittleEndian.Uint32(v[8:12])
}

// Window is the server-side register window. It matches sdhc.Window.
type Window interface {
	Read4(off int) uint32
	Write4(off int, v uint32)
}

// Server serves a register window to remote clients.
type Server struct {
	Window Window

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Serve accepts connections from lis and serves frames until the listener
// closes or a connection fails with something other than EOF.
func (s *Server) Serve(lis net.Listener) error {
	var g errgroup.Group

	for {
		conn, err := lis.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}

			if werr := g.Wait(); err == nil {
				err = werr
			}

			return err
		}

		s.track(conn, true)

		g.Go(func() error {
			defer s.track(conn, false)
			defer conn.Close()

			if err := s.serveConn(conn); err != nil {
				return fmt.Errorf("serving %s: %w", conn.RemoteAddr(), err)
			}

			return nil
		})
	}
}

// Interrupt notifies every connected client that an interrupt is pending.
func (s *Server) Interrupt() {
	var buf [sizeofFrame]byte
	frame{Op: opInterrupt}.PutBinary(buf[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	for conn := range s.conns {
		if _, err := conn.Write(buf[:]); err != nil {
			slog.Error("interrupt notification failed", "addr", conn.RemoteAddr(), "err", err)
		}
	}
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if add {
		if s.conns == nil {
			s.conns = make(map[net.Conn]struct{})
		}

		s.conns[conn] = struct{}{}
		return
	}

	delete(s.conns, conn)
}

func (s *Server) serveConn(conn net.Conn) error {
	var buf [sizeofFrame]byte

	for {
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		v := frameView(buf[:])

		switch v.Op() {
		case opRead:
			var out [sizeofFrame]byte
			reply := frame{
				Op:  opReadReply,
				Off: v.Off(),
				Val: s.Window.Read4(int(v.Off())),
			}

			reply.PutBinary(out[:])
			if _, err := conn.Write(out[:]); err != nil {
				return err
			}

		case opWrite:
			s.Window.Write4(int(v.Off()), v.Val())

		default:
			return fmt.Errorf("unexpected frame op %d", v.Op())
		}
	}
}

// Client is a remote register window. It implements sdhc.Window.
type Client struct {
	conn   net.Conn
	notify func()

	// reqMu serializes read round trips.
	reqMu sync.Mutex

	// wrMu serializes frame writes.
	wrMu sync.Mutex

	replyC chan uint32
	intrC  chan struct{}
	doneC  chan struct{}
}

// New wraps an established connection. notify, if not nil, is called from
// a dedicated goroutine whenever the server reports a pending interrupt;
// it may use the client reentrantly.
func New(conn net.Conn, notify func()) *Client {
	c := &Client{
		conn:   conn,
		notify: notify,
		replyC: make(chan uint32),
		intrC:  make(chan struct{}, 1),
		doneC:  make(chan struct{}),
	}

	go c.demux()

	if notify != nil {
		go c.notifyLoop()
	}

	return c
}

// Dial connects to a server over the named network.
func Dial(network, addr string, notify func()) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}

	return New(conn, notify), nil
}

// DialVsock connects to a server over a vsock port.
func DialVsock(cid, port uint32, notify func()) (*Client, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}

	return New(conn, notify), nil
}

// ListenVsock listens on a vsock port for Server.Serve.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

// demux routes incoming frames: read replies to the waiting reader,
// interrupt notifications to the notify goroutine.
func (c *Client) demux() {
	defer close(c.doneC)

	var buf [sizeofFrame]byte
	for {
		if _, err := io.ReadFull(c.conn, buf[:]); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Error("window connection failed", "err", err)
			}

			return
		}

		v := frameView(buf[:])

		switch v.Op() {
		case opReadReply:
			c.replyC <- v.Val()

		case opInterrupt:
			select {
			case c.intrC <- struct{}{}:
			default:
			}

		default:
			slog.Error("unexpected frame", "op", v.Op())
			return
		}
	}
}

func (c *Client) notifyLoop() {
	for {
		select {
		case <-c.intrC:
			c.notify()

		case <-c.doneC:
			return
		}
	}
}

// Read4 reads a register, blocking for the round trip. A dead connection
// reads as open bus.
func (c *Client) Read4(off int) uint32 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.send(frame{Op: opRead, Off: uint32(off)}); err != nil {
		return 0xFFFFFFFF
	}

	select {
	case v := <-c.replyC:
		return v

	case <-c.doneC:
		return 0xFFFFFFFF
	}
}

// Write4 writes a register. Writes are not acknowledged, but the server
// applies them in order before answering any later read.
func (c *Client) Write4(off int, v uint32) {
	_ = c.send(frame{Op: opWrite, Off: uint32(off), Val: v})
}

func (c *Client) send(f frame) error {
	var buf [sizeofFrame]byte
	f.PutBinary(buf[:])

	c.wrMu.Lock()
	defer c.wrMu.Unlock()

	if _, err := c.conn.Write(buf[:]); err != nil {
		slog.Error("window write failed", "op", f.Op, "off", f.Off, "err", err)
		return err
	}

	return nil
}

// Close shuts the connection down. Blocked reads fail as open bus.
func (c *Client) Close() error {
	return c.conn.Close()
}
