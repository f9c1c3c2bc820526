// Package transport owns every socket the bot opens. A Manager runs a fixed
// pool of worker goroutines for short asynchronous tasks, tracks long-lived
// loops for shutdown, and dials TLS connections with SNI and peer
// verification for the HTTP and WebSocket clients built on top of it.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnection wraps resolution, TCP and TLS handshake failures.
	ErrConnection = errors.New("connection failed")
	// ErrShutdown is returned for work submitted after Shutdown began.
	ErrShutdown = errors.New("transport manager is shut down")
)

// Task is a unit of work run on the pool. ctx is cancelled on Shutdown.
type Task func(ctx context.Context)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Workers     int           // default 4
	QueueSize   int           // default 64
	DialTimeout time.Duration // default 10s
	// RootCAs overrides the system trust store (tests, private CAs).
	RootCAs *x509.CertPool
}

// Manager is the process-wide transport layer.
type Manager struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan Task

	mu     sync.RWMutex // guards closed and sends on tasks
	closed bool

	workers sync.WaitGroup
	loops   sync.WaitGroup
	once    sync.Once

	httpTransport *http.Transport
}

// New starts the worker pool.
func New(opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan Task, opts.QueueSize),
	}
	m.httpTransport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialTLSContext:        m.dialTLSAddr,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	for i := 0; i < opts.Workers; i++ {
		m.workers.Add(1)
		go m.worker()
	}
	slog.Debug("transport manager started", slog.Int("workers", opts.Workers), slog.String("component", "transport"))
	return m
}

// Context is cancelled when Shutdown begins.
func (m *Manager) Context() context.Context { return m.ctx }

func (m *Manager) worker() {
	defer m.workers.Done()
	for task := range m.tasks {
		m.run(task)
	}
}

func (m *Manager) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transport task panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())), slog.String("component", "transport"))
		}
	}()
	task(m.ctx)
}

// Submit queues task on the worker pool. It blocks only while the queue is full.
func (m *Manager) Submit(task Task) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrShutdown
	}
	select {
	case m.tasks <- task:
		return nil
	case <-m.ctx.Done():
		return ErrShutdown
	}
}

// Go runs a long-lived task (a read loop) outside the worker pool while
// still joining it on Shutdown.
func (m *Manager) Go(task Task) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrShutdown
	}
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		m.run(task)
	}()
	return nil
}

// Shutdown cancels the manager context, stops accepting work and waits up to
// timeout for workers and loops to return. Safe to call more than once.
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.once.Do(func() {
		m.cancel()
		m.mu.Lock()
		m.closed = true
		close(m.tasks)
		m.mu.Unlock()
		m.httpTransport.CloseIdleConnections()
	})

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		m.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("transport shutdown timed out after %s", timeout)
	}
}

// TLSConfig returns the client TLS config for host: TLS 1.2+, SNI set,
// peer verification on.
func (m *Manager) TLSConfig(host string) *tls.Config {
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		RootCAs:    m.opts.RootCAs,
	}
}

// DialSecure resolves host, connects over TCP and completes a verified TLS
// handshake. Failures wrap ErrConnection.
func (m *Manager) DialSecure(ctx context.Context, host, port string) (net.Conn, error) {
	addr := net.JoinHostPort(host, port)
	d := net.Dialer{Timeout: m.opts.DialTimeout, KeepAlive: 30 * time.Second}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, addr, err)
	}
	hctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()
	conn := tls.Client(raw, m.TLSConfig(host))
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("%w: tls handshake with %s: %w", ErrConnection, addr, err)
	}
	return conn, nil
}

func (m *Manager) dialTLSAddr(ctx context.Context, _, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return m.DialSecure(ctx, host, port)
}

// HTTPClient returns a client whose HTTPS connections are dialed by the
// manager. With followRedirects=false the client returns 3xx responses as-is.
func (m *Manager) HTTPClient(followRedirects bool) *http.Client {
	c := &http.Client{Transport: m.httpTransport, Timeout: 30 * time.Second}
	if !followRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return c
}

// WebSocketDialer returns a dialer whose TLS connections are dialed by the manager.
func (m *Manager) WebSocketDialer() *websocket.Dialer {
	return &websocket.Dialer{
		NetDialTLSContext: m.dialTLSAddr,
		HandshakeTimeout:  m.opts.DialTimeout,
	}
}
