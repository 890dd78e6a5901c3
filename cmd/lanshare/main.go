package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
	qrcode "github.com/skip2/go-qrcode"

	"lanshare/internal/config"
	"lanshare/internal/httpserver"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// errConfig marks failures that happen before the server could start.
var errConfig = errors.New("configuration error")

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "lanshare: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	fs := flag.NewFlagSet("lanshare", flag.ContinueOnError)
	var (
		cfgPath  = fs.String("config", "", "path to config json (default: user config dir)")
		shared   = fs.String("shared", "", "shared folder")
		host     = fs.String("host", "", "listen host")
		port     = fs.Int("port", 0, "preferred port")
		logLevel = fs.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
		noQR     = fs.Bool("no-qr", false, "do not print the QR code")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}

	// a missing .env is fine
	_ = godotenv.Load()

	settings, err := loadSettings(fs, *cfgPath, config.Overrides{
		SharedDir: shared,
		Host:      host,
		Port:      port,
		LogLevel:  logLevel,
	})
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(settings.LogLevel())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		restart, err := serve(ctx, settings, log, !*noQR)
		if err != nil {
			return exitRuntime, err
		}
		if !restart {
			return exitOK, nil
		}
		log.Info("restarting", "port", settings.Port())
	}
}

// serve runs one server generation. It reports true when the admin API asked
// for a restart.
func serve(ctx context.Context, settings *config.Settings, log *slog.Logger, withQR bool) (bool, error) {
	rt, err := httpserver.Start(ctx, settings, log)
	if err != nil {
		return false, err
	}
	printBanner(os.Stdout, settings, rt, withQR)

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Serve() }()

	restart := false
	select {
	case err := <-errCh:
		if err != nil {
			return false, fmt.Errorf("serve: %w", err)
		}
		return false, nil
	case <-ctx.Done():
		log.Info("shutting down")
	case <-rt.RestartRequested():
		restart = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return false, fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil {
		return false, fmt.Errorf("serve: %w", err)
	}
	return restart, nil
}

// loadSettings layers the config file, the environment and the flags that
// were set explicitly, in that order.
func loadSettings(fs *flag.FlagSet, path string, flags config.Overrides) (*config.Settings, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errConfig, err)
		}
		path = p
	}
	settings, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	es, err := env.EnvironToEnvSet(os.Environ())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	if err := settings.ApplyEnv(es); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	settings.Apply(explicit(fs, flags))
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	return settings, nil
}

// explicit drops the flags the user did not pass, so their zero values do
// not override the file or the environment.
func explicit(fs *flag.FlagSet, flags config.Overrides) config.Overrides {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var o config.Overrides
	if set["shared"] {
		o.SharedDir = flags.SharedDir
	}
	if set["host"] {
		o.Host = flags.Host
	}
	if set["port"] {
		o.Port = flags.Port
	}
	if set["log-level"] {
		o.LogLevel = flags.LogLevel
	}
	return o
}

func printBanner(w io.Writer, settings *config.Settings, rt *httpserver.Runtime, withQR bool) {
	url := rt.URL()
	admin := fmt.Sprintf("http://127.0.0.1:%d/settings", rt.Port())

	fmt.Fprintln(w, color.New(color.FgGreen, color.OpBold).Sprint("LanShare is running"))

	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("\t")
	table.AppendBulk([][]string{
		{"Shared folder", settings.SharedDir()},
		{"Open on your phone", url},
		{"Admin (this machine)", admin},
		{"Max upload", humanize.IBytes(uint64(settings.MaxFileSize()))},
	})
	if bound := rt.Port(); bound != settings.Port() {
		table.Append([]string{"Note", "configured port " + strconv.Itoa(settings.Port()) + " will apply after restart"})
	}
	table.Render()

	if !withQR {
		return
	}
	if q, err := qrcode.New(url, qrcode.Low); err == nil {
		fmt.Fprintln(w)
		fmt.Fprint(w, q.ToSmallString(false))
	}
}
