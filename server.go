package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrNotTCP is returned through the log if an accepted connection has no
// TCP remote address to apply IP policy against.
var ErrNotTCP = errors.New("chat: connection has no TCP remote address")

// readBufferSize is how much a reader picks up per read. Each chunk becomes
// one candidate message; the size itself carries no meaning.
const readBufferSize = 64

// A Server accepts TCP connections and funnels everything they do into a
// single broker. You need to use NewServer to construct it.
type Server struct {
	broker *Broker
	config Config
	log    *logrus.Logger

	events chan Event
	nextID uint64
}

// NewServer creates a server that authenticates clients against the token.
func NewServer(config Config, token string) *Server {
	config = config.WithDefaults()

	return &Server{
		broker: NewBroker(config, token),
		config: config,
		log:    config.Logger,
		events: make(chan Event, 64),
	}
}

// ListenAndServe binds the configured port on all interfaces and serves
// until the context is cancelled. The bind error is returned as is so the
// caller can treat it as fatal.
func (server *Server) ListenAndServe(ctx context.Context) error {
	address := fmt.Sprintf("0.0.0.0:%d", server.config.Port)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	server.log.Infof("Listening to %v", server.broker.sens(address))

	return server.Serve(ctx, listener)
}

// Serve accepts connections from the listener and runs the event loop until
// the context is cancelled, at which point the listener is closed. The
// event loop goroutine is the only one that touches the broker, so all
// policy runs serialized no matter how many readers are live.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go server.acceptLoop(ctx, listener)

	ticker := time.NewTicker(server.config.SlowlorisLimit / 4)
	defer ticker.Stop()

	for {
		select {
		case event := <-server.events:
			server.broker.Handle(&event)
		case <-ticker.C:
			server.broker.Tick()
		case <-ctx.Done():
			_ = listener.Close()
			return ctx.Err()
		}
	}
}

func (server *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			server.log.Errorf("Could not accept connection: %v", server.broker.sens(err))
			continue
		}

		addr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			server.log.Errorf("Could not get peer address: %v", ErrNotTCP)
			_ = conn.Close()
			continue
		}

		id := ConnID(atomic.AddUint64(&server.nextID, 1))

		server.emit(ctx, Event{Kind: EventConnected, ID: id, Conn: conn, Addr: addr})
		go server.readLoop(ctx, id, conn)
	}
}

// readLoop turns one socket into events. The Disconnected or Errored event
// it ends on is the last event the broker will ever see for this id.
func (server *Server) readLoop(ctx context.Context, id ConnID, conn net.Conn) {
	buffer := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buffer)

		if n > 0 {
			bytes := make([]byte, n)
			copy(bytes, buffer[:n])

			server.emit(ctx, Event{Kind: EventRead, ID: id, Bytes: bytes})
		}

		if err != nil {
			if err == io.EOF {
				server.emit(ctx, Event{Kind: EventDisconnected, ID: id})
			} else {
				server.emit(ctx, Event{Kind: EventErrored, ID: id, Err: err})
			}

			return
		}
	}
}

// emit queues an event for the broker, giving up if the server is shutting
// down so readers never leak on a full channel.
func (server *Server) emit(ctx context.Context, event Event) {
	select {
	case server.events <- event:
	case <-ctx.Done():
	}
}
