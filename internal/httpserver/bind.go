package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
)

const (
	socketBufferSize  = 4 << 20
	firstUnprivileged = 1024
	maxPort           = 65535
)

// BoundState is the address the server actually listens on.
type BoundState struct {
	Host string
	Port int
}

// PortStore persists the port the server ended up on.
type PortStore interface {
	Port() int
	SetPort(port int)
	Save() error
}

// BindWithRetry listens on host:preferred. A port that is taken moves to the
// next one; a port that needs privileges moves to the first unprivileged one.
// Any other bind error, or running out of ports, is returned as is.
func BindWithRetry(ctx context.Context, host string, preferred int) (net.Listener, BoundState, error) {
	if preferred < 1 || preferred > maxPort {
		return nil, BoundState{}, fmt.Errorf("invalid port %d", preferred)
	}
	lc := net.ListenConfig{
		Control: func(_, _ string, rc syscall.RawConn) error {
			return rc.Control(setSocketBuffers)
		},
	}

	port := preferred
	for {
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, BoundState{Host: host, Port: ln.Addr().(*net.TCPAddr).Port}, nil
		}
		retry, permission := classifyBindError(err)
		if !retry || port >= maxPort {
			return nil, BoundState{}, err
		}
		if permission {
			port = max(port+1, firstUnprivileged)
		} else {
			port++
		}
	}
}

// Bind binds starting from the stored port and writes the bound port back when
// it differs. Failing to save is logged only.
func Bind(ctx context.Context, host string, store PortStore, log *slog.Logger) (net.Listener, BoundState, error) {
	preferred := store.Port()
	ln, bound, err := BindWithRetry(ctx, host, preferred)
	if err != nil {
		return nil, BoundState{}, fmt.Errorf("bind %s from port %d: %w", host, preferred, err)
	}
	if bound.Port != preferred {
		log.Warn("preferred port unavailable", "preferred", preferred, "bound", bound.Port)
		store.SetPort(bound.Port)
		if err := store.Save(); err != nil {
			log.Error("persist bound port", "port", bound.Port, "err", err)
		}
	}
	return ln, bound, nil
}

func classifyBindError(err error) (retry, permission bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, false
	}
	switch {
	case isAddrInUse(errno):
		return true, false
	case isAccessDenied(errno):
		return true, true
	default:
		return false, false
	}
}
