package chat

import (
	"net"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/gissleh/chat/ban"
	"github.com/gissleh/chat/chatutil"
)

// Messages written to misbehaving and well-behaved sockets. They're part of
// the wire protocol, newline included.
const (
	messageWelcome      = "Welcome to the Club buddy!\n"
	messageInvalidToken = "Invalid token! Bruh!\n"
	messageBannedActive = "You are banned Sinner!\n"
)

// A Client is one connected TCP endpoint, authenticated or still pending.
// The broker owns it; readers only ever refer to connections by id.
type Client struct {
	id          ConnID
	conn        net.Conn
	addr        *net.TCPAddr
	connectedAt time.Time
	lastMessage time.Time
	authed      bool
}

// A Broker owns all chat state: the clients, the per-IP ban ledger and the
// access token. Its methods are not safe for concurrent use; the server's
// run loop is the only caller, handling one event at a time.
type Broker struct {
	config Config
	token  string
	log    *logrus.Logger

	clients map[ConnID]*Client
	ledger  *ban.Ledger

	// now is replaceable so policy tests don't have to sleep.
	now func() time.Time
}

// NewBroker creates a broker that authenticates against the token.
func NewBroker(config Config, token string) *Broker {
	config = config.WithDefaults()

	return &Broker{
		config:  config,
		token:   token,
		log:     config.Logger,
		clients: make(map[ConnID]*Client, 64),
		ledger:  ban.NewLedger(config.StrikeLimit, config.BanLimit),
		now:     time.Now,
	}
}

// Handle processes one connection event against the broker's state.
func (broker *Broker) Handle(event *Event) {
	switch event.Kind {
	case EventConnected:
		broker.clientConnected(event.ID, event.Conn, event.Addr)
	case EventDisconnected:
		broker.clientDisconnected(event.ID)
	case EventErrored:
		broker.clientErrored(event.ID, event.Err)
	case EventRead:
		broker.clientRead(event.ID, event.Bytes)
	}
}

func (broker *Broker) clientConnected(id ConnID, conn net.Conn, addr *net.TCPAddr) {
	now := broker.now()

	if left, banned := broker.ledger.Remaining(addr.IP, now); banned {
		secs := float32(left.Seconds())

		// Debug level on purpose: banned MFs may keep reconnecting and a
		// louder level would let them flood the log.
		broker.log.Debugf("Client %v tried to connect, but is banned for %v secs more", broker.sens(addr), secs)

		if _, err := writeTextf(conn, "You are banned MF: %v secs left\n", secs); err != nil {
			broker.log.Errorf("Could not send banned message to %v: %v", broker.sens(addr), broker.sens(err))
		}
		if err := conn.Close(); err != nil {
			broker.log.Errorf("Could not shut down socket for %v: %v", broker.sens(addr), broker.sens(err))
		}

		return
	}

	broker.log.Infof("Client %v (%v) connected", id, broker.sens(addr))

	broker.clients[id] = &Client{
		id:          id,
		conn:        conn,
		addr:        addr,
		connectedAt: now,
		lastMessage: now.Add(-2 * broker.config.MessageRate),
		authed:      false,
	}
}

func (broker *Broker) clientDisconnected(id ConnID) {
	client, ok := broker.clients[id]
	if !ok {
		return
	}

	broker.log.Infof("Client %v (%v) disconnected", id, broker.sens(client.addr))
	delete(broker.clients, id)
}

func (broker *Broker) clientErrored(id ConnID, err error) {
	client, ok := broker.clients[id]
	if !ok {
		return
	}

	broker.log.Errorf("Could not read from client %v (%v): %v", id, broker.sens(client.addr), broker.sens(err))
	delete(broker.clients, id)
}

func (broker *Broker) clientRead(id ConnID, bytes []byte) {
	client, ok := broker.clients[id]
	if !ok {
		return
	}

	now := broker.now()
	bytes = chatutil.Sanitize(bytes)

	if broker.since(client.lastMessage, now, "message rate check") < broker.config.MessageRate {
		broker.strikeIP(client.addr.IP)
		return
	}

	if !utf8.Valid(bytes) {
		// Sanitize leaves invalid sequences alone, so this can still happen.
		// Dropped without a strike.
		return
	}
	text := string(bytes)

	broker.ledger.Forgive(client.addr.IP)
	client.lastMessage = now

	if !client.authed {
		if text == broker.token {
			client.authed = true
			broker.log.Infof("Client %v (%v) authorized", id, broker.sens(client.addr))

			if _, err := writeText(client.conn, messageWelcome); err != nil {
				broker.log.Errorf("Could not send welcome message to %v: %v", broker.sens(client.addr), broker.sens(err))
			}

			return
		}

		broker.log.Infof("Client %v (%v) failed authorization", id, broker.sens(client.addr))

		if _, err := writeText(client.conn, messageInvalidToken); err != nil {
			broker.log.Errorf("Could not notify client %v about invalid token: %v", broker.sens(client.addr), broker.sens(err))
		}
		if err := client.conn.Close(); err != nil {
			broker.log.Errorf("Could not shut down socket for %v: %v", broker.sens(client.addr), broker.sens(err))
		}

		delete(broker.clients, id)
		broker.strikeIP(client.addr.IP)

		return
	}

	broker.log.Infof("Client %v (%v) sent message %q", id, broker.sens(client.addr), text)
	broker.broadcast(client, text)
}

// Tick runs the slow-connect sweep: every client that has stayed
// unauthenticated past the limit is struck and dropped.
func (broker *Broker) Tick() {
	now := broker.now()

	for id, client := range broker.clients {
		if client.authed {
			continue
		}

		if broker.since(client.connectedAt, now, "slowloris limit check") >= broker.config.SlowlorisLimit {
			broker.log.Infof("Client %v (%v) got dropped for refusing to authenticate", id, broker.sens(client.addr))

			broker.ledger.Strike(client.addr.IP, now)
			if err := client.conn.Close(); err != nil {
				broker.log.Errorf("Could not shut down socket for %v: %v", broker.sens(client.addr), broker.sens(err))
			}

			delete(broker.clients, id)
		}
	}
}

// broadcast writes the text to every other authenticated client. A failed
// write is logged and skipped; it does not remove the recipient.
func (broker *Broker) broadcast(author *Client, text string) {
	for _, client := range broker.clients {
		if client.id == author.id || !client.authed {
			continue
		}

		if _, err := writeText(client.conn, text+"\n"); err != nil {
			broker.log.Errorf("Could not broadcast message from %v to %v: %v", broker.sens(author.addr), broker.sens(client.addr), broker.sens(err))
		}
	}
}

// strikeIP records a strike, and on the strike that bans the IP it kicks
// every connected client with that IP.
func (broker *Broker) strikeIP(ip net.IP) {
	if !broker.ledger.Strike(ip, broker.now()) {
		return
	}

	broker.log.Infof("IP %v got banned", broker.sens(ip))

	for id, client := range broker.clients {
		if !client.addr.IP.Equal(ip) {
			continue
		}

		if _, err := writeText(client.conn, messageBannedActive); err != nil {
			broker.log.Errorf("Could not send banned message to %v: %v", broker.sens(client.addr), broker.sens(err))
		}
		if err := client.conn.Close(); err != nil {
			broker.log.Errorf("Could not shut down socket for %v: %v", broker.sens(client.addr), broker.sens(err))
		}

		delete(broker.clients, id)
	}
}

// since is now.Sub(earlier) clamped at zero. The clock source isn't required
// to be monotonic, so a backwards jump is logged and treated as no time
// having passed.
func (broker *Broker) since(earlier, now time.Time, what string) time.Duration {
	diff := now.Sub(earlier)
	if diff < 0 {
		broker.log.Warnf("The clock went backwards by %v during %s", -diff, what)
		return 0
	}

	return diff
}
