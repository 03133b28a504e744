package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	ErrPoolClosed = errors.New("channel pool closed")
	ErrConnClosed = errors.New("amqp connection closed")
)

// ChannelPool keeps a bounded number of publishing channels on one connection.
// Invariant: len(permits) == total channels (idle + borrowed) <= capacity.
type ChannelPool struct {
	conn     *amqp.Connection
	idle     chan *amqp.Channel
	capacity int
	delay    time.Duration

	closed  atomic.Bool
	newChMu sync.Mutex
	permits chan struct{}
}

func NewChannelPool(conn *amqp.Connection, capacity, retryDelayMs int) *ChannelPool {
	if capacity <= 0 {
		capacity = 4
	}
	delay := time.Duration(retryDelayMs) * time.Millisecond
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return &ChannelPool{
		conn:     conn,
		idle:     make(chan *amqp.Channel, capacity),
		capacity: capacity,
		delay:    delay,
		permits:  make(chan struct{}, capacity),
	}
}

// Borrow returns an open channel, growing the pool up to capacity and
// otherwise waiting for a Return or ctx.
func (cp *ChannelPool) Borrow(ctx context.Context) (*amqp.Channel, error) {
	for {
		if cp.closed.Load() {
			return nil, ErrPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-cp.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			// permit stays with the replacement
			_ = SafeClose(ch)
			nch, err := cp.open()
			if err != nil {
				<-cp.permits
				if errors.Is(err, ErrConnClosed) {
					return nil, err
				}
				if werr := cp.wait(ctx); werr != nil {
					return nil, werr
				}
				continue
			}
			return nch, nil

		default:
			select {
			case cp.permits <- struct{}{}:
				nch, err := cp.open()
				if err != nil {
					<-cp.permits
					if errors.Is(err, ErrConnClosed) {
						return nil, err
					}
					if werr := cp.wait(ctx); werr != nil {
						return nil, werr
					}
					continue
				}
				return nch, nil
			case ch, ok := <-cp.idle:
				if !ok {
					return nil, ErrPoolClosed
				}
				if !ch.IsClosed() {
					return ch, nil
				}
				_ = SafeClose(ch)
				cp.release()
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cp.delay):
			}
		}
	}
}

// Return hands ch back. Closed channels give up their permit.
func (cp *ChannelPool) Return(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if cp.closed.Load() || cp.conn.IsClosed() || ch.IsClosed() {
		_ = SafeClose(ch)
		cp.release()
		return
	}
	select {
	case cp.idle <- ch:
	default:
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) Close() {
	if cp.closed.Swap(true) {
		return
	}
	close(cp.idle)
	for ch := range cp.idle {
		_ = SafeClose(ch)
		cp.release()
	}
}

func (cp *ChannelPool) release() {
	select {
	case <-cp.permits:
	default:
	}
}

func (cp *ChannelPool) wait(ctx context.Context) error {
	t := time.NewTimer(cp.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (cp *ChannelPool) open() (*amqp.Channel, error) {
	cp.newChMu.Lock()
	defer cp.newChMu.Unlock()
	if cp.conn.IsClosed() {
		return nil, ErrConnClosed
	}
	return cp.conn.Channel()
}
