package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recvEnvelope reads and decodes the next delivery from a bus subscription,
// failing the test if nothing arrives in time.
func recvEnvelope(t *testing.T, sub *Subscription) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	payload, _, err := sub.Receive(ctx)
	require.NoError(t, err, "expected a bus delivery")
	env, err := DecodeEnvelope(payload)
	require.NoError(t, err)
	return env
}

// clientEnvelopes drains newline-framed envelopes from a client connection
// in the background. The channel closes when the connection does.
func clientEnvelopes(t *testing.T, conn net.Conn) <-chan Envelope {
	t.Helper()
	out := make(chan Envelope, 64)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			env, err := DecodeEnvelope(scanner.Bytes())
			if err != nil {
				continue
			}
			out <- env
		}
	}()
	return out
}

// expectEnvelope waits for a delivery matching the predicate, skipping any
// that do not match (join/leave chatter from other clients may interleave).
func expectEnvelope(t *testing.T, ch <-chan Envelope, what string, match func(Envelope) bool) Envelope {
	t.Helper()
	deadline := time.After(testTimeout)
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

// expectNoEnvelope asserts that nothing arrives within the window.
func expectNoEnvelope(t *testing.T, sub *Subscription, window time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	payload, _, err := sub.Receive(ctx)
	if err == nil {
		t.Fatalf("expected no delivery, got %s", payload)
	}
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
