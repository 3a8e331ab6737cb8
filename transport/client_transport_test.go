package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ipc-rpc/message"
	"ipc-rpc/protocol"
)

// upperServer answers every request with its body upper-cased.
func upperServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		defer conn.Close()
		for {
			_, body, err := protocol.Decode(conn, protocol.DefaultMaxBodySize)
			if err != nil {
				return
			}
			h := protocol.Header{}
			if err := protocol.Encode(conn, &h, bytes.ToUpper(body)); err != nil {
				return
			}
		}
	}()
}

func newPipe(t *testing.T, opts Options) (*ClientTransport, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	ct := NewClientTransport(client, opts)
	t.Cleanup(func() {
		_ = ct.Close()
		_ = server.Close()
	})
	return ct, server
}

func TestRoundTripSerial(t *testing.T) {
	ct, server := newPipe(t, Options{})
	upperServer(t, server)

	for _, body := range []string{"a", "hello", "", "get_server_list"} {
		resp, err := ct.RoundTrip(context.Background(), message.New([]byte(body)))
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(body), string(resp.Body))
		assert.Equal(t, protocol.MagicNumber, resp.Head.MagicNum)
		assert.Equal(t, uint32(len(body)), resp.Head.BodyLen)
	}
}

func TestRoundTripConcurrentCallersAreSerialized(t *testing.T) {
	ct, server := newPipe(t, Options{})
	upperServer(t, server)

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			body := strings.Repeat("x", i+1)
			resp, err := ct.RoundTrip(context.Background(), message.New([]byte(body)))
			if err == nil && string(resp.Body) != strings.ToUpper(body) {
				err = errors.New("mismatched response " + string(resp.Body))
			}
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}
}

func TestRoundTripStampsHeader(t *testing.T) {
	ct, server := newPipe(t, Options{})

	got := make(chan *protocol.Header, 1)
	go func() {
		h, body, err := protocol.Decode(server, protocol.DefaultMaxBodySize)
		if err != nil {
			return
		}
		got <- h
		_ = protocol.Encode(server, &protocol.Header{}, body)
	}()

	req := &message.IpcMessage{Head: protocol.Header{BodyLen: 999}, Body: []byte("abc")}
	_, err := ct.RoundTrip(context.Background(), req)
	require.NoError(t, err)

	h := <-got
	assert.Equal(t, protocol.MagicNumber, h.MagicNum)
	assert.Equal(t, uint32(3), h.BodyLen)
	assert.Equal(t, uint32(3), req.Head.BodyLen)
}

func TestUnsolicitedResponseIsDiscarded(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ct, server := newPipe(t, Options{Logger: zap.New(core)})

	go func() {
		_ = protocol.Encode(server, &protocol.Header{}, []byte("stale"))
		upperServer(t, server)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("discarding response with no pending call").Len() == 1
	}, time.Second, time.Millisecond)

	resp, err := ct.RoundTrip(context.Background(), message.New([]byte("fresh")))
	require.NoError(t, err)
	assert.Equal(t, "FRESH", string(resp.Body))
}

func TestBadMagicFailsOnlyTheCall(t *testing.T) {
	ct, server := newPipe(t, Options{})

	go func() {
		// First reply carries a foreign magic, the second one is fine
		for i := 0; ; i++ {
			_, body, err := protocol.Decode(server, protocol.DefaultMaxBodySize)
			if err != nil {
				return
			}
			h := protocol.Header{}
			if i == 0 {
				h.MagicNum = 0xdead
			}
			if err := protocol.Encode(server, &h, body); err != nil {
				return
			}
		}
	}()

	_, err := ct.RoundTrip(context.Background(), message.New([]byte("one")))
	require.ErrorIs(t, err, protocol.ErrBadMagic)
	assert.NoError(t, ct.Err())

	resp, err := ct.RoundTrip(context.Background(), message.New([]byte("two")))
	require.NoError(t, err)
	assert.Equal(t, "two", string(resp.Body))
}

func TestOversizedResponseFailsConnection(t *testing.T) {
	ct, server := newPipe(t, Options{MaxBodySize: 16})

	go func() {
		if _, _, err := protocol.Decode(server, protocol.DefaultMaxBodySize); err != nil {
			return
		}
		var hb [protocol.HeaderSize]byte
		protocol.PutHeader(hb[:], protocol.Header{MagicNum: protocol.MagicNumber, BodyLen: 1024})
		_, _ = server.Write(hb[:])
	}()

	_, err := ct.RoundTrip(context.Background(), message.New([]byte("req")))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrTooBigData)
	assert.ErrorIs(t, err, ErrClosed)

	<-ct.Done()
	_, err = ct.RoundTrip(context.Background(), message.New([]byte("again")))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPeerCloseFailsPendingCall(t *testing.T) {
	ct, server := newPipe(t, Options{})

	go func() {
		_, _, _ = protocol.Decode(server, protocol.DefaultMaxBodySize)
		_ = server.Close()
	}()

	_, err := ct.RoundTrip(context.Background(), message.New([]byte("req")))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRoundTripContextTimeout(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ct, server := newPipe(t, Options{Logger: zap.New(core)})

	reqs := make(chan []byte, 2)
	go func() {
		for {
			_, body, err := protocol.Decode(server, protocol.DefaultMaxBodySize)
			if err != nil {
				return
			}
			reqs <- body
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ct.RoundTrip(ctx, message.New([]byte("slow")))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "slow", string(<-reqs))

	// The request was written, so a late reply could only be mistaken for the
	// next one: the connection is gone instead
	require.ErrorIs(t, ct.Err(), ErrClosed)
	assert.ErrorIs(t, ct.Err(), context.DeadlineExceeded)
	assert.Equal(t, 1, logs.FilterMessage("connection failed").Len())

	_, err = ct.RoundTrip(context.Background(), message.New([]byte("next")))
	assert.ErrorIs(t, err, ErrClosed)
}

type staticAuth []byte

func (a staticAuth) Credential() ([]byte, error) { return a, nil }

func TestCredentialPrecedesFirstRequestOnly(t *testing.T) {
	cred := staticAuth("TOKEN:")
	ct, server := newPipe(t, Options{Auth: cred})

	seen := make(chan string, 1)
	go func() {
		buf := make([]byte, len(cred))
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		seen <- string(buf)
		upperServer(t, server)
	}()

	for _, body := range []string{"first", "second"} {
		resp, err := ct.RoundTrip(context.Background(), message.New([]byte(body)))
		require.NoError(t, err)
		assert.Equal(t, strings.ToUpper(body), string(resp.Body))
	}
	assert.Equal(t, "TOKEN:", <-seen)
}

func TestCloseIsIdempotent(t *testing.T) {
	ct, _ := newPipe(t, Options{})

	require.NoError(t, ct.Close())
	require.NoError(t, ct.Close())
	assert.ErrorIs(t, ct.Err(), ErrClosed)

	_, err := ct.RoundTrip(context.Background(), message.New(nil))
	assert.ErrorIs(t, err, ErrClosed)
}
