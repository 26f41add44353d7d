// Package testhelpers provides shared utilities for the RetroChat
// integration tests: dialing chat clients, collecting decoded envelopes,
// and asserting on delivery streams.
package testhelpers

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/retrolabs/retrochat/internal/server"
)

// Timeout bounds every wait in the integration suite.
const Timeout = 3 * time.Second

// DialChat connects a TCP chat client, performs the display-name handshake,
// and returns the connection plus its decoded delivery stream. The
// connection is closed automatically at test cleanup.
func DialChat(t *testing.T, addr, name string) (net.Conn, <-chan server.Envelope) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = fmt.Fprintf(conn, "%s\n", name)
	require.NoError(t, err)
	return conn, CollectEnvelopes(t, conn)
}

// CollectEnvelopes drains newline-framed envelopes from conn in the
// background. The channel closes when the connection does.
func CollectEnvelopes(t *testing.T, conn net.Conn) <-chan server.Envelope {
	t.Helper()
	out := make(chan server.Envelope, 128)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			env, err := server.DecodeEnvelope(scanner.Bytes())
			if err != nil {
				continue
			}
			out <- env
		}
	}()
	return out
}

// ExpectEnvelope waits for a delivery matching the predicate, skipping any
// that do not match; join/leave chatter from other clients may interleave
// with the deliveries a test cares about.
func ExpectEnvelope(t *testing.T, ch <-chan server.Envelope, what string, match func(server.Envelope) bool) server.Envelope {
	t.Helper()
	deadline := time.After(Timeout)
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				t.Fatalf("connection closed while waiting for %s", what)
			}
			if match(env) {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// SendLine writes one chat line on behalf of a connected client.
func SendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	_, err := fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)
}
