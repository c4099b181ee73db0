package amqp

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"
)

var errClosed = errors.New("pool is closed")

// poolChannel wraps a channel borrowed from the pool. It is returned by
// calling close, unless it was marked unusable.
type poolChannel struct {
	mu       sync.RWMutex
	ch       *amqp.Channel
	p        *pool
	unusable bool
}

// pool holds a connection and a set of idle channels on that connection.
type pool struct {
	mu    sync.RWMutex
	conn  *amqp.Connection
	chans chan *amqp.Channel
}

func newPool(size int, url string) (*pool, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp server error")
	}

	p := &pool{
		conn:  conn,
		chans: make(chan *amqp.Channel, size),
	}

	for i := 0; i < size; i++ {
		ch, err := conn.Channel()
		if err != nil {
			p.close()
			return nil, errors.Wrap(err, "create channel error")
		}
		p.chans <- ch
	}

	return p, nil
}

func (p *pool) get() (*poolChannel, error) {
	p.mu.RLock()
	chans, conn := p.chans, p.conn
	p.mu.RUnlock()

	if chans == nil {
		return nil, errClosed
	}

	select {
	case ch := <-chans:
		if ch == nil {
			return nil, errClosed
		}
		return &poolChannel{ch: ch, p: p}, nil
	default:
		ch, err := conn.Channel()
		if err != nil {
			return nil, errors.Wrap(err, "create channel error")
		}
		return &poolChannel{ch: ch, p: p}, nil
	}
}

func (p *pool) put(ch *amqp.Channel) error {
	if ch == nil {
		return errors.New("channel is nil, rejecting")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.chans == nil {
		return ch.Close()
	}

	select {
	case p.chans <- ch:
		return nil
	default:
		return ch.Close()
	}
}

// close closes all idle channels and the connection. Channels which are
// still borrowed are closed by the connection.
func (p *pool) close() error {
	p.mu.Lock()
	chans, conn := p.chans, p.conn
	p.chans = nil
	p.conn = nil
	p.mu.Unlock()

	if chans == nil {
		return nil
	}

	close(chans)
	for ch := range chans {
		ch.Close()
	}

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (pc *poolChannel) close() error {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	if pc.unusable {
		return pc.ch.Close()
	}
	return pc.p.put(pc.ch)
}

func (pc *poolChannel) markUnusable() {
	pc.mu.Lock()
	pc.unusable = true
	pc.mu.Unlock()
}
