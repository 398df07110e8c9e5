// ABOUTME: Gateway application context that wires sessions, clients, orchestrator and servers
// ABOUTME: Manages HTTP API, optional gRPC health service, tailnet listeners and background maintenance

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/flowgpt-gateway/internal/auth"
	"github.com/2389/flowgpt-gateway/internal/catalog"
	"github.com/2389/flowgpt-gateway/internal/completion"
	"github.com/2389/flowgpt-gateway/internal/config"
	"github.com/2389/flowgpt-gateway/internal/conversation"
	"github.com/2389/flowgpt-gateway/internal/dedupe"
	"github.com/2389/flowgpt-gateway/internal/session"
	"github.com/2389/flowgpt-gateway/internal/store"
)

// DefaultPruneInterval is how often ledger rows past retention are deleted.
const DefaultPruneInterval = time.Hour

// Gateway owns every long-lived component and is constructed once at startup.
type Gateway struct {
	config       *config.Config
	sessions     *session.Store
	conversation *conversation.Service
	broadcaster  *conversation.DispatchBroadcaster
	store        store.Store // nil when the ledger is disabled
	dedupe       *dedupe.Cache[*conversation.Outbound]
	verifier     *auth.JWTVerifier // nil when auth is disabled
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	pruneInterval time.Duration
	ready         atomic.Bool
	bg            sync.WaitGroup
	shutdownOnce  sync.Once
	shutdownErr   error
}

type options struct {
	completer     completion.Client
	catalog       catalog.Client
	store         store.Store
	httpClient    *http.Client
	pruneInterval time.Duration
}

// Option customizes gateway construction.
type Option func(*options)

// WithCompletionClient replaces the OpenAI-compatible completion client.
func WithCompletionClient(c completion.Client) Option {
	return func(o *options) { o.completer = c }
}

// WithCatalogClient replaces the FlowGPT catalog client.
func WithCatalogClient(c catalog.Client) Option {
	return func(o *options) { o.catalog = c }
}

// WithStore uses s as the dispatch ledger instead of opening database.path.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithHTTPClient sets the HTTP client shared by the outbound clients.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPruneInterval overrides DefaultPruneInterval.
func WithPruneInterval(d time.Duration) Option {
	return func(o *options) { o.pruneInterval = d }
}

// initStore opens the SQLite ledger, or returns nil when no path is configured.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("FLOWGPT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		logger.Warn("dispatch ledger disabled - no database.path configured")
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGRPCServer creates the gRPC server that carries the standard health service.
func newGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

func newCompleter(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) completion.Client {
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai.api_key is empty - completion requests may be rejected")
	}
	temperature := config.DefaultTemperature
	if cfg.OpenAI.Temperature != nil {
		temperature = *cfg.OpenAI.Temperature
	}
	return completion.NewOpenAI(completion.OpenAIConfig{
		BaseURL:     cfg.OpenAI.BaseURL,
		APIKey:      cfg.OpenAI.APIKey,
		Model:       cfg.OpenAI.Model,
		MaxTokens:   cfg.OpenAI.MaxTokens,
		Temperature: temperature,
		Timeout:     cfg.OpenAI.Timeout,
	}, httpClient, logger)
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &options{pruneInterval: DefaultPruneInterval}
	for _, opt := range opts {
		opt(o)
	}

	s := o.store
	if s == nil {
		var err error
		if s, err = initStore(cfg, logger); err != nil {
			return nil, err
		}
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			closeStore(s)
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	completer := o.completer
	if completer == nil {
		completer = newCompleter(cfg, o.httpClient, logger)
	}
	cat := o.catalog
	if cat == nil {
		cat = catalog.NewFlowGPT(catalog.FlowGPTConfig{
			BaseURL:  cfg.Catalog.BaseURL,
			Language: cfg.Catalog.Language,
			Timeout:  cfg.Catalog.Timeout,
		}, o.httpClient, logger)
	}

	sessions := session.NewStore(session.Options{
		MaxHistory:    cfg.Sessions.MaxHistory,
		MaxSessions:   cfg.Sessions.MaxSessions,
		DefaultPrompt: cfg.Sessions.DefaultPrompt,
	}, logger)

	convService := conversation.New(sessions, completer, cat, conversation.Config{
		SearchLimit: cfg.Catalog.SearchLimit,
		Retry: conversation.RetryPolicy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		Help:             cfg.Help,
		IdleTTL:          cfg.Sessions.IdleTTL,
		EvictionInterval: cfg.Sessions.EvictionInterval,
	}, logger)

	broadcaster := conversation.NewDispatchBroadcaster(logger)
	convService.SetBroadcaster(broadcaster)
	if s != nil {
		convService.SetRecorder(s)
	}

	dedupeTTL := cfg.Dedupe.TTL
	if dedupeTTL <= 0 {
		dedupeTTL = config.DefaultDedupeTTL
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	gw := &Gateway{
		config:        cfg,
		sessions:      sessions,
		conversation:  convService,
		broadcaster:   broadcaster,
		store:         s,
		dedupe:        dedupe.New[*conversation.Outbound](dedupeTTL, cfg.Dedupe.MaxEntries),
		verifier:      verifier,
		grpcServer:    newGRPCServer(hs),
		health:        hs,
		logger:        logger.With("component", "gateway"),
		pruneInterval: o.pruneInterval,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

func closeStore(s store.Store) {
	if s != nil {
		_ = s.Close()
	}
}

// Handler returns the HTTP handler serving the API and health endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Conversation returns the orchestrator.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// routes builds the HTTP mux. API routes require a bearer token when a JWT secret is configured.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("/api/events", g.handleEvent)
	api.HandleFunc("/api/stats", g.handleStats)
	api.HandleFunc("/api/dispatches", g.handleListDispatches)
	api.HandleFunc("/api/dispatches/", g.handleDispatchRoutes)

	if g.verifier != nil {
		mux.Handle("/api/", auth.HTTPAuthMiddleware(g.verifier)(api))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	return mux
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is nil
// when no grpc_addr is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health service listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startMaintenance starts idle session eviction and ledger pruning.
func (g *Gateway) startMaintenance(ctx context.Context) {
	g.conversation.Start(ctx)

	if g.store == nil || g.config.Database.Retention <= 0 {
		return
	}
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		g.pruneDispatches(ctx)

		ticker := time.NewTicker(g.pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.pruneDispatches(ctx)
			}
		}
	}()
}

// pruneDispatches deletes ledger rows older than the configured retention.
func (g *Gateway) pruneDispatches(ctx context.Context) int64 {
	cutoff := time.Now().Add(-g.config.Database.Retention)
	n, err := g.store.PruneDispatches(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("failed to prune dispatches", "error", err)
		}
		return 0
	}
	if n > 0 {
		g.logger.Info("pruned dispatches", "count", n, "cutoff", cutoff)
	}
	return n
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	errCh := g.startServers(grpcListener, httpListener)
	g.startMaintenance(runCtx)
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	g.ready.Store(true)

	serverErr := g.waitForShutdownSignal(runCtx, errCh)
	stop()

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "flowgpt-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// It is safe to call more than once; later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.ready.Store(false)
	g.health.Shutdown()
	// Closing the broadcaster ends open dispatch streams so HTTP shutdown can drain.
	g.broadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.conversation.Stop()
	g.bg.Wait()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}

	g.dedupe.Close()

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
