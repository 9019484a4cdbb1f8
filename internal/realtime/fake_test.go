package realtime

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/petervdpas/parley/internal/proto"
	"github.com/petervdpas/parley/internal/transport"
)

type fakeSocket struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []proto.Envelope
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case b := <-s.in:
		return b, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(b []byte) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}
	env, err := proto.Parse(b)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.written = append(s.written, env)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// drop simulates the relay going away.
func (s *fakeSocket) drop() { _ = s.Close() }

func (s *fakeSocket) push(env proto.Envelope) { s.in <- env.Bytes() }

func (s *fakeSocket) sent() []proto.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]proto.Envelope(nil), s.written...)
}

func (s *fakeSocket) sentTypes() []string {
	var out []string
	for _, env := range s.sent() {
		out = append(out, env.Type())
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	err   error
	dials int
	socks []*fakeSocket
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	s := newFakeSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

type staticSession struct{ user string }

func (s staticSession) Session(context.Context) (string, string, error) {
	if s.user == "" {
		return "", "", errors.New("no session")
	}
	return s.user, "token-" + s.user, nil
}
