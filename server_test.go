package chat_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gissleh/chat"
	"github.com/gissleh/chat/internal/chattest"
)

const serverTestToken = "ABCDEF0123456789ABCDEF0123456789"

// startServer runs a server on a loopback port and returns its address.
func startServer(t *testing.T, config chat.Config) string {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	config.Logger = logger

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	server := chat.NewServer(config, serverTestToken)
	go func() { _ = server.Serve(ctx, listener) }()

	return listener.Addr().String()
}

// authedClient dials, authenticates and hands back the connection with a
// reader positioned after the welcome line.
func authedClient(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte(serverTestToken))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
	welcome, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "Welcome to the Club buddy!\n", welcome)

	return conn, reader
}

func TestServerHappyBroadcast(t *testing.T) {
	addr := startServer(t, chat.Config{
		MessageRate:    time.Millisecond * 100,
		SlowlorisLimit: time.Second * 5,
	})

	connA, readerA := authedClient(t, addr)
	_, readerB := authedClient(t, addr)
	_, readerC := authedClient(t, addr)

	// Stay clear of the message rate before chatting.
	time.Sleep(time.Millisecond * 150)

	_, err := connA.Write([]byte("hello"))
	require.NoError(t, err)

	for _, reader := range []*bufio.Reader{readerB, readerC} {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "hello\n", line)
	}

	// The sender gets no echo of its own message.
	_ = connA.SetReadDeadline(time.Now().Add(time.Millisecond * 200))
	_, err = readerA.ReadString('\n')
	netErr, ok := err.(net.Error)
	require.True(t, ok, "expected a timeout, got %v", err)
	assert.True(t, netErr.Timeout())
}

func TestServerWrongToken(t *testing.T) {
	addr := startServer(t, chat.Config{SlowlorisLimit: time.Second * 5})

	interaction := chattest.Interaction{
		Lines: []chattest.InteractionLine{
			{Send: "definitely wrong"},
			{Expect: "Invalid token! Bruh!"},
			{ExpectClose: true},
		},
	}

	require.NoError(t, interaction.Run(addr), "failure: %s", interaction.Failure)
}

func TestServerSlowConnect(t *testing.T) {
	addr := startServer(t, chat.Config{SlowlorisLimit: time.Millisecond * 100})

	interaction := chattest.Interaction{
		Lines: []chattest.InteractionLine{
			// Say nothing; the server hangs up once the slowloris limit passes.
			{ExpectClose: true},
		},
	}

	require.NoError(t, interaction.Run(addr), "failure: %s", interaction.Failure)
}

func TestServerFloodBan(t *testing.T) {
	addr := startServer(t, chat.Config{
		StrikeLimit:    1,
		MessageRate:    time.Second * 10,
		SlowlorisLimit: time.Second * 5,
	})

	conn, reader := authedClient(t, addr)

	// Two floods: the first strikes, the second tips the IP into a ban and
	// the active connection is told off and dropped.
	for _, text := range []string{"flood one", "flood two"} {
		time.Sleep(time.Millisecond * 20)
		_, err := conn.Write([]byte(text))
		require.NoError(t, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 2))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "You are banned Sinner!\n", line)

	_, err = reader.ReadString('\n')
	assert.Equal(t, io.EOF, err)

	// Reconnecting from the same IP is rejected with the ban notice.
	interaction := chattest.Interaction{
		Lines: []chattest.InteractionLine{
			{Expect: "You are banned MF: *"},
			{ExpectClose: true},
		},
	}
	require.NoError(t, interaction.Run(addr), "failure: %s", interaction.Failure)
}

func TestServerFanOut(t *testing.T) {
	addr := startServer(t, chat.Config{
		MessageRate:    time.Millisecond * 100,
		SlowlorisLimit: time.Second * 10,
	})

	const clientCount = 100

	conns := make([]net.Conn, clientCount)
	readers := make([]*bufio.Reader, clientCount)
	for i := range conns {
		conns[i], readers[i] = authedClient(t, addr)
	}

	time.Sleep(time.Millisecond * 150)

	_, err := conns[0].Write([]byte("x"))
	require.NoError(t, err)

	delivered := 0
	wg := sync.WaitGroup{}
	mutex := sync.Mutex{}

	for i := 1; i < clientCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_ = conns[i].SetReadDeadline(time.Now().Add(time.Second * 5))
			line, err := readers[i].ReadString('\n')
			if err == nil && line == "x\n" {
				mutex.Lock()
				delivered++
				mutex.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, clientCount-1, delivered, "every other authenticated client gets exactly one copy")

	// And nothing came back to the sender.
	_ = conns[0].SetReadDeadline(time.Now().Add(time.Millisecond * 100))
	_, err = readers[0].ReadString('\n')
	netErr, ok := err.(net.Error)
	require.True(t, ok)
	assert.True(t, netErr.Timeout())
}

func TestServerShutdown(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := chat.NewServer(chat.Config{Logger: logger}, serverTestToken)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	cancel()

	select {
	case err := <-done:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(time.Second * 2):
		t.Fatal("server did not stop on context cancellation")
	}

	// The listener is gone with it.
	_, err = net.Dial("tcp", listener.Addr().String())
	assert.Error(t, err)
}

func TestServerIDsAreUnique(t *testing.T) {
	addr := startServer(t, chat.Config{SlowlorisLimit: time.Second * 5})

	// Not observable directly from outside, but the welcome flow for many
	// short-lived connections would misbehave if ids were ever reused while
	// a previous holder was still registered.
	for i := 0; i < 10; i++ {
		interaction := chattest.Interaction{
			Lines: []chattest.InteractionLine{
				{Send: serverTestToken},
				{Expect: "Welcome to the Club buddy!"},
			},
		}
		require.NoError(t, interaction.Run(addr), "round %d failure: %s", i, interaction.Failure)
	}
}

func ExampleNewServer() {
	token, err := chat.GenerateToken()
	if err != nil {
		fmt.Println("no randomness:", err)
		return
	}

	server := chat.NewServer(chat.Config{Port: 6969}, token)

	// Serves until the context is cancelled.
	_ = server.ListenAndServe(context.Background())
}
