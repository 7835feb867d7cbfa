package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/roach88/abhs/internal/activity"
	"github.com/roach88/abhs/internal/api"
	"github.com/roach88/abhs/internal/config"
	"github.com/roach88/abhs/internal/device"
	"github.com/roach88/abhs/internal/engine"
	"github.com/roach88/abhs/internal/feed"
	"github.com/roach88/abhs/internal/script"
	"github.com/roach88/abhs/internal/store"
)

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// EnvFile is loaded into the environment before the config. A missing
	// file is ignored.
	EnvFile string

	// Listen overrides the config's listen address.
	Listen string

	// Connect opens the player feed and the device session at startup.
	Connect bool

	// Vendor overrides the Autoblow cloud client (for testing).
	Vendor device.Vendor
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync service and operator API",
		Long: `Start the synchronization service.

The operator API is served on the configured listen address. The player
feed and the device are connected on request through the API, or at
startup with --connect.

Example:
  abhs serve --config abhs.json
  ABHS_DEVICE_TOKEN=... abhs serve --connect --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().BoolVar(&opts.Connect, "connect", false, "connect feed and device at startup")

	return cmd
}

// App is the wired service.
type App struct {
	Config  *config.Config
	Store   *store.Store
	Log     *activity.Log
	Session *device.Session
	Engine  *engine.Engine
	Feed    *feed.Client
	Server  *api.Server
}

// NewApp wires every component for cfg. ctx bounds the feed reader.
// A nil vendor means the Autoblow cloud client.
func NewApp(ctx context.Context, cfg *config.Config, vendor device.Vendor) (*App, error) {
	st, err := store.Open(cfg.CacheDB)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	purged, err := st.Purge(ctx, time.Now().Add(-cfg.CacheTTL))
	if err != nil {
		slog.Warn("cache purge failed", "error", err)
	}
	if n, err := st.Count(ctx); err == nil {
		slog.Debug("catalog cache ready", "entries", n, "purged", purged)
	}

	resolver, err := newResolver(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	if vendor == nil {
		vendor = device.NewAutoblowClient(cfg.DeviceAPI, nil)
	}

	log := activity.New(activity.WithLogger(slog.Default()))
	session := device.NewSession(vendor, log, device.WithTimeout(cfg.CallTimeout))
	eng := engine.New(engine.Config{
		DeviceToken:    cfg.DeviceToken,
		UpdateInterval: cfg.UpdateInterval,
		OffsetMillis:   cfg.Offset,
	}, session, resolver, log)

	fc := feed.New(feed.Config{Host: cfg.Host, Port: cfg.Port}, eng.Handle,
		feed.WithErrorHandler(eng.FeedError),
		feed.WithCloseHandler(eng.FeedClosed),
		feed.WithBaseContext(ctx),
	)
	eng.AttachFeed(fc)

	return &App{
		Config:  cfg,
		Store:   st,
		Log:     log,
		Session: session,
		Engine:  eng,
		Feed:    fc,
		Server:  api.New(cfg.Listen, eng, log),
	}, nil
}

// Close stops the device if it is connected, then releases the feed and
// the cache.
func (a *App) Close(ctx context.Context) error {
	if a.Session.Connected() {
		_, _ = a.Engine.DisconnectDevice(ctx)
	}
	return errors.Join(a.Feed.Close(), a.Store.Close())
}

// newResolver builds the script resolver. The catalog is only used when
// xbvr_url is set; st may be nil to disable caching.
func newResolver(cfg *config.Config, st *store.Store) (*script.Resolver, error) {
	opts := []script.Option{script.WithTimeout(cfg.CallTimeout)}
	if cfg.XBVRURL != "" {
		catalog, err := script.NewCatalog(cfg.XBVRURL, cfg.CatalogNamespace, nil)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		opts = append(opts, script.WithCatalog(catalog))
		if st != nil {
			opts = append(opts, script.WithCache(st, cfg.CacheTTL))
		}
	}
	return script.NewResolver(cfg.FunscriptPaths, opts...), nil
}

func setupLogging(verbose bool, w io.Writer) {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.Verbose, cmd.ErrOrStderr())

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return WrapExitError(ExitCommandError, "failed to load env file", err)
		}
	}

	cfg, err := loadConfig(opts.ConfigPath, os.LookupEnv)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if cfg.DeviceToken == "" {
		slog.Warn("no device token configured", "env", config.EnvDeviceToken)
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	app, err := NewApp(ctx, cfg, opts.Vendor)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer closeCancel()
		if err := app.Close(closeCtx); err != nil {
			slog.Error("error during shutdown", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server running on address (guess): %s port: %s\n", guessLANAddress(), listenPort(ln.Addr()))
	slog.Info("server starting", "listen", ln.Addr().String(), "feed", app.Feed.Addr())

	if opts.Connect {
		go func() {
			_ = app.Engine.ConnectFeed(ctx)
			_, _ = app.Engine.ConnectDevice(ctx)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitFailure, "server error", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error stopping server", "error", err)
	}
	<-errCh

	slog.Info("server stopped gracefully")
	return nil
}

// guessLANAddress returns the first non-loopback IPv4 address, or
// "localhost" when there is none.
func guessLANAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}

func listenPort(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return strconv.Itoa(tcp.Port)
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return port
}
