// Package transport carries datagrams between the coordinator and its
// participants. Delivery is best effort: a send only means the payload was
// handed to the local socket.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"marketplace/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	// MaxDatagramSize is the largest payload a single read accepts.
	MaxDatagramSize = 64 * 1024

	DefaultMaxRestartInterval = 30 * time.Second
)

// ErrNotListening is returned by Send before the socket is bound or after it
// was closed.
var ErrNotListening = errors.New("datagram socket not bound")

// Handler receives every inbound datagram. Implementations must not retain
// payload after returning.
type Handler interface {
	HandleDatagram(payload []byte, from types.Endpoint)
}

type HandlerFunc func(payload []byte, from types.Endpoint)

func (f HandlerFunc) HandleDatagram(payload []byte, from types.Endpoint) { f(payload, from) }

// Sender writes one datagram to an endpoint.
type Sender interface {
	Send(to types.Endpoint, payload []byte) error
}

// DeliveryHook observes every send attempt. It is the place to add
// acknowledgement tracking or retries without touching message routing.
type DeliveryHook interface {
	Delivered(to types.Endpoint, payload []byte, err error)
}

type DeliveryHookFunc func(to types.Endpoint, payload []byte, err error)

func (f DeliveryHookFunc) Delivered(to types.Endpoint, payload []byte, err error) { f(to, payload, err) }

// FireAndForget is the default hook: it does nothing.
var FireAndForget DeliveryHook = DeliveryHookFunc(func(types.Endpoint, []byte, error) {})

type UDPConfig struct {
	Address string
	Port    int
	// MaxRestartInterval caps the wait between rebind attempts.
	MaxRestartInterval time.Duration
}

type Option func(*UDP)

// WithDeliveryHook installs hook in place of FireAndForget.
func WithDeliveryHook(hook DeliveryHook) Option {
	return func(u *UDP) {
		if hook != nil {
			u.hook = hook
		}
	}
}

// WithRestartNotify registers fn to be called each time the listener is
// rebound after a failure.
func WithRestartNotify(fn func(err error)) Option {
	return func(u *UDP) { u.onRestart = fn }
}

// UDP is a datagram listener that keeps itself bound: socket errors close the
// socket and a new one is bound after an exponential backoff, until the
// context passed to Serve is cancelled.
type UDP struct {
	cfg       UDPConfig
	logger    *zap.Logger
	hook      DeliveryHook
	onRestart func(err error)

	mu    sync.RWMutex
	conn  *net.UDPConn
	ready chan struct{}
	once  sync.Once
}

func NewUDP(cfg UDPConfig, logger *zap.Logger, opts ...Option) *UDP {
	if cfg.MaxRestartInterval <= 0 {
		cfg.MaxRestartInterval = DefaultMaxRestartInterval
	}
	u := &UDP{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "udp")),
		hook:   FireAndForget,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Ready is closed once the socket has been bound for the first time.
func (u *UDP) Ready() <-chan struct{} { return u.ready }

// LocalAddr returns the bound address, or nil when not listening.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Serve binds the socket and feeds datagrams to h until ctx is cancelled.
func (u *UDP) Serve(ctx context.Context, h Handler) error {
	addr := net.JoinHostPort(u.cfg.Address, strconv.Itoa(u.cfg.Port))

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = u.cfg.MaxRestartInterval
	b.MaxElapsedTime = 0

	op := func() error {
		conn, err := u.bind(addr)
		if err != nil {
			return err
		}
		b.Reset()
		return u.readLoop(ctx, conn, h)
	}

	notify := func(err error, wait time.Duration) {
		u.logger.Error("Datagram listener failed, restarting",
			zap.String("address", addr),
			zap.Duration("retry_in", wait),
			zap.Error(err))
		if u.onRestart != nil {
			u.onRestart(err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (u *UDP) bind(addr string) (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to resolve %s: %w", addr, err))
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	u.logger.Info("Listening", zap.String("address", conn.LocalAddr().String()))

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	u.once.Do(func() { close(u.ready) })
	return conn, nil
}

func (u *UDP) readLoop(ctx context.Context, conn *net.UDPConn, h Handler) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		conn.Close()
	}()
	defer func() {
		u.mu.Lock()
		if u.conn == conn {
			u.conn = nil
		}
		u.mu.Unlock()
	}()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("read failed: %w", err)
		}
		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
		h.HandleDatagram(buf[:n], from)
	}
}

// Send writes payload to to. The delivery hook sees every attempt.
func (u *UDP) Send(to types.Endpoint, payload []byte) error {
	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()

	var err error
	if conn == nil {
		err = ErrNotListening
	} else if _, werr := conn.WriteToUDPAddrPort(payload, to); werr != nil {
		err = fmt.Errorf("failed to send to %s: %w", to, werr)
	}
	u.hook.Delivered(to, payload, err)
	return err
}
