package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/netutil"

	"lanshare/internal/config"
	"lanshare/internal/thumb"
	"lanshare/internal/upload"
)

// Runtime is a bound, not yet serving, HTTP server.
type Runtime struct {
	settings *config.Settings
	http     *http.Server
	listener net.Listener
	bound    BoundState
	log      *slog.Logger
	restart  chan struct{}
}

// Start prepares storage, binds the listener and builds the server. Binding
// is the only step that may move off the configured port.
func Start(ctx context.Context, settings *config.Settings, log *slog.Logger) (*Runtime, error) {
	if settings == nil {
		return nil, errors.New("settings is required")
	}
	if log == nil {
		log = slog.Default()
	}

	uploads := upload.New(settings, transferLimits(settings), thumb.Generator{}, log)
	if err := uploads.EnsureStorage(); err != nil {
		return nil, fmt.Errorf("prepare storage: %w", err)
	}

	ln, bound, err := Bind(ctx, settings.Host(), settings, log)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		settings: settings,
		listener: netutil.LimitListener(ln, settings.MaxConnections()),
		bound:    bound,
		log:      log,
		restart:  make(chan struct{}, 1),
	}
	srv, err := New(Options{
		Settings:  settings,
		Uploads:   uploads,
		Log:       log,
		BoundPort: bound.Port,
		Restart:   rt.requestRestart,
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	rt.http = &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}
	return rt, nil
}

func (r *Runtime) requestRestart() bool {
	select {
	case r.restart <- struct{}{}:
		return true
	default:
		return false
	}
}

// RestartRequested is signalled once when the admin API asks for a restart.
// The owner shuts this runtime down and calls Start again.
func (r *Runtime) RestartRequested() <-chan struct{} {
	return r.restart
}

func transferLimits(settings *config.Settings) func() upload.Limits {
	return func() upload.Limits {
		return upload.Limits{
			MaxFileSize:   settings.MaxFileSize(),
			ChunkSize:     settings.ChunkSize(),
			MaxHeaderLine: settings.MaxHeaderLine(),
		}
	}
}

// Serve blocks until the server is shut down.
func (r *Runtime) Serve() error {
	r.log.Info("serving", "addr", r.listener.Addr().String())
	err := r.http.Serve(r.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.http.Shutdown(ctx)
}

func (r *Runtime) Bound() BoundState { return r.bound }

func (r *Runtime) Port() int { return r.bound.Port }

// URL is the address other devices on the LAN should open.
func (r *Runtime) URL() string {
	return ServerURL(r.bound.Port)
}

func ServerURL(port int) string {
	return fmt.Sprintf("http://%s/", net.JoinHostPort(DetectLANIPv4(), fmt.Sprint(port)))
}

// DetectLANIPv4 returns the first IPv4 address of an interface that is up and
// not loopback. Without one it asks the routing table through an unconnected
// UDP socket, then gives up with 127.0.0.1.
func DetectLANIPv4() string {
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				var ip net.IP
				switch t := addr.(type) {
				case *net.IPNet:
					ip = t.IP
				case *net.IPAddr:
					ip = t.IP
				}
				if v4 := ip.To4(); v4 != nil && !v4.IsLoopback() && !v4.IsLinkLocalUnicast() {
					return v4.String()
				}
			}
		}
	}

	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err == nil {
		defer conn.Close()
		if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			if v4 := a.IP.To4(); v4 != nil {
				return v4.String()
			}
		}
	}
	return "127.0.0.1"
}
