// Package serial captures a device's serial console from a TCP
// serial-over-network bridge.
package serial

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/caesium-cloud/fleetline/pkg/log"
)

const DefaultReconnectDelay = 5 * time.Second

// Config describes the console endpoint.
type Config struct {
	Host           string
	Port           int
	ReconnectDelay time.Duration
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Start copies console output to w in the background until stop is
// called. Lost connections are re-established; stop waits for the
// background goroutine to exit.
func Start(ctx context.Context, cfg Config, w io.Writer) (stop func()) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &logger{cfg: cfg, w: w}
	done := make(chan struct{})

	go func() {
		defer close(done)
		l.run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			l.closeConn()
			<-done
		})
	}
}

type logger struct {
	cfg Config
	w   io.Writer

	mu   sync.Mutex
	conn net.Conn
}

func (l *logger) run(ctx context.Context) {
	dialer := &net.Dialer{Timeout: l.cfg.ReconnectDelay}
	warned := false

	for {
		conn, err := dialer.DialContext(ctx, "tcp", l.cfg.addr())
		if err == nil {
			if warned {
				log.Info("serial connection restored", "addr", l.cfg.addr())
			}
			warned = false
			err = l.copy(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}

		if !warned {
			log.Warn("serial connection lost, retrying", "addr", l.cfg.addr(), "error", err)
			warned = true
		}

		timer := time.NewTimer(l.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *logger) copy(ctx context.Context, conn net.Conn) error {
	l.mu.Lock()
	if ctx.Err() != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	l.conn = conn
	l.mu.Unlock()

	_, err := io.Copy(l.w, conn)
	l.closeConn()
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (l *logger) closeConn() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}
