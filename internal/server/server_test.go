package server

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// dialChat connects a test client, sends its display name, and returns the
// connection together with its decoded delivery stream.
func dialChat(t *testing.T, addr, name string) (net.Conn, <-chan Envelope) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = fmt.Fprintf(conn, "%s\n", name)
	require.NoError(t, err)
	return conn, clientEnvelopes(t, conn)
}

func startServer(t *testing.T, bus *Bus) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", bus, testLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Shutdown(testTimeout) })
	return srv
}

func TestServerStartAndShutdown(t *testing.T) {
	req := require.New(t)
	bus := NewBus(16)
	srv := NewServer("127.0.0.1:0", bus, testLogger())
	req.NoError(srv.Start())
	req.NotNil(srv.Addr())
	req.NoError(srv.Shutdown(testTimeout))
}

func TestServerBindFailure(t *testing.T) {
	bus := NewBus(16)
	srv := NewServer("127.0.0.1:-1", bus, testLogger())
	require.Error(t, srv.Start())
}

func TestServerRelaysBetweenClients(t *testing.T) {
	req := require.New(t)
	bus := NewBus(100)
	srv := startServer(t, bus)
	addr := srv.Addr().String()

	aliceConn, fromAlice := dialChat(t, addr, "alice")
	expectEnvelope(t, fromAlice, "alice's own join", func(e Envelope) bool {
		return e.Kind == SystemNotification && e.Sender == "alice"
	})

	_, fromBob := dialChat(t, addr, "bob")

	// Alice, already in the room, observes bob joining.
	expectEnvelope(t, fromAlice, "bob's join notification", func(e Envelope) bool {
		return e.Kind == SystemNotification && e.Sender == "bob" && e.Body == "joined the chat"
	})

	_, err := fmt.Fprintf(aliceConn, "hello bob\n")
	req.NoError(err)

	msg := expectEnvelope(t, fromBob, "alice's message", func(e Envelope) bool {
		return e.Kind == UserMessage && e.Sender == "alice"
	})
	req.Equal("hello bob", msg.Body)
}

func TestServerFanOutAndOrdering(t *testing.T) {
	req := require.New(t)
	bus := NewBus(100)
	srv := startServer(t, bus)
	addr := srv.Addr().String()

	sender, _ := dialChat(t, addr, "sender")
	_, fromOne := dialChat(t, addr, "one")
	_, fromTwo := dialChat(t, addr, "two")

	// Both receivers see the sender already; wait for their own joins so
	// the room is settled before the burst.
	expectEnvelope(t, fromOne, "own join", func(e Envelope) bool { return e.Sender == "one" })
	expectEnvelope(t, fromTwo, "own join", func(e Envelope) bool { return e.Sender == "two" })

	for i := 0; i < 10; i++ {
		_, err := fmt.Fprintf(sender, "msg-%02d\n", i)
		req.NoError(err)
	}

	for _, stream := range []<-chan Envelope{fromOne, fromTwo} {
		for i := 0; i < 10; i++ {
			want := fmt.Sprintf("msg-%02d", i)
			got := expectEnvelope(t, stream, want, func(e Envelope) bool {
				return e.Kind == UserMessage && e.Sender == "sender"
			})
			req.Equal(want, got.Body, "messages from one publisher must arrive in publish order")
		}
	}
}

func TestServerLeaveNotificationOnDisconnect(t *testing.T) {
	bus := NewBus(100)
	srv := startServer(t, bus)
	addr := srv.Addr().String()

	_, fromWatcher := dialChat(t, addr, "watcher")
	ephemeral, _ := dialChat(t, addr, "ephemeral")

	expectEnvelope(t, fromWatcher, "ephemeral join", func(e Envelope) bool {
		return e.Sender == "ephemeral" && e.Body == "joined the chat"
	})

	ephemeral.Close()

	expectEnvelope(t, fromWatcher, "ephemeral leave", func(e Envelope) bool {
		return e.Sender == "ephemeral" && e.Body == "left the chat"
	})
}

func TestServerStuckClientDoesNotBlockOthers(t *testing.T) {
	req := require.New(t)
	bus := NewBus(100)
	srv := startServer(t, bus)
	addr := srv.Addr().String()

	// The stuck client identifies itself and then never reads a byte.
	stuck, err := net.Dial("tcp", addr)
	req.NoError(err)
	t.Cleanup(func() { stuck.Close() })
	_, err = fmt.Fprintf(stuck, "stuck\n")
	req.NoError(err)

	sender, _ := dialChat(t, addr, "sender")
	_, fromReceiver := dialChat(t, addr, "receiver")
	expectEnvelope(t, fromReceiver, "own join", func(e Envelope) bool { return e.Sender == "receiver" })

	for i := 0; i < 20; i++ {
		_, err := fmt.Fprintf(sender, "burst-%02d\n", i)
		req.NoError(err)
	}
	for i := 0; i < 20; i++ {
		want := fmt.Sprintf("burst-%02d", i)
		got := expectEnvelope(t, fromReceiver, want, func(e Envelope) bool {
			return e.Kind == UserMessage && e.Sender == "sender"
		})
		req.Equal(want, got.Body)
	}

	// The stuck client can still publish even though it never reads.
	_, err = fmt.Fprintf(stuck, "still alive\n")
	req.NoError(err)
	expectEnvelope(t, fromReceiver, "message from stuck client", func(e Envelope) bool {
		return e.Sender == "stuck" && e.Body == "still alive"
	})
}

// flakyListener injects one transient accept failure before delegating to
// the real listener.
type flakyListener struct {
	net.Listener
	fired bool
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if !f.fired {
		f.fired = true
		return nil, errors.New("transient accept failure")
	}
	return f.Listener.Accept()
}

func TestServerSurvivesTransientAcceptError(t *testing.T) {
	req := require.New(t)
	bus := NewBus(16)
	obs := bus.Subscribe()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	req.NoError(err)

	srv := NewServer("", bus, testLogger())
	srv.listener = &flakyListener{Listener: listener}
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.acceptLoop()
	}()
	t.Cleanup(func() { srv.Shutdown(testTimeout) })

	// The first accept fails; the loop must keep going and serve this
	// connection.
	conn, _ := dialChat(t, listener.Addr().String(), "survivor")
	defer conn.Close()

	join := recvEnvelope(t, obs)
	req.Equal("survivor", join.Sender)
	req.Equal("joined the chat", join.Body)
}

func TestServerShutdownDisconnectsClients(t *testing.T) {
	req := require.New(t)
	bus := NewBus(16)
	srv := NewServer("127.0.0.1:0", bus, testLogger())
	req.NoError(srv.Start())

	conn, fromClient := dialChat(t, srv.Addr().String(), "doomed")
	expectEnvelope(t, fromClient, "own join", func(e Envelope) bool { return e.Sender == "doomed" })

	req.NoError(srv.Shutdown(testTimeout))

	// The delivery stream ends once the server tears the session down.
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-fromClient:
			if !ok {
				conn.Close()
				return
			}
		case <-deadline:
			t.Fatal("client stream still open after shutdown")
		}
	}
}
