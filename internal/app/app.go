package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/labstack/echo/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/config"
	"smartfeeder/feeder-server/internal/events"
	"smartfeeder/feeder-server/internal/feeding"
	"smartfeeder/feeder-server/internal/mqttbroker"
	"smartfeeder/feeder-server/internal/store"
)

// App wires together the feeder services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    feeding.Clock
	store    *store.Store
	engine   *feeding.Engine
	events   events.Publisher
	broker   *mqttbroker.Broker
	mdns     *zeroconf.Server
	cron     *cron.Cron
	limiter  *deviceLimiter
	echo     *echo.Echo
	closeBus func() error
}

// Option customizes an App.
type Option func(*App)

// WithClock overrides the engine clock.
func WithClock(c feeding.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New constructs a new application instance.
func New(cfg config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// wire builds the engine and HTTP handler around an open store.
func (a *App) wire(st *store.Store, pub events.Publisher) {
	if pub == nil {
		pub = events.Nop{}
	}
	a.store = st
	a.events = pub

	opts := []feeding.Option{
		feeding.WithLogger(a.logger),
		feeding.WithCompletionHook(events.CompletionHook(pub, a.logger, a.cfg.StoreTimeout)),
	}
	if a.cfg.Location != nil {
		opts = append(opts, feeding.WithLocation(a.cfg.Location))
	}
	if a.clock != nil {
		opts = append(opts, feeding.WithClock(a.clock))
	}
	a.engine = feeding.New(st, st, opts...)
	a.limiter = newDeviceLimiter(a.cfg.DeviceRPS, a.cfg.DeviceBurst)
	a.echo = a.routes()
}

// Handler exposes the HTTP API. It is valid after Run has opened the store.
func (a *App) Handler() http.Handler {
	return a.echo
}

func (a *App) openEvents(ctx context.Context) events.Publisher {
	if a.cfg.RedisAddr == "" {
		a.closeBus = func() error { return nil }
		return events.Nop{}
	}

	client := events.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
	pub := events.NewRedisPublisher(client, a.cfg.RedisStream, a.logger)

	pingCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	defer cancel()
	if err := pub.Ping(pingCtx); err != nil {
		// Events are best-effort; the stream may come up later.
		a.logger.Warn("redis unreachable at startup", zap.String("addr", a.cfg.RedisAddr), zap.Error(err))
	}
	a.closeBus = pub.Close
	return pub
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	st, err := store.Open(store.Options{
		Driver: a.cfg.DBDriver,
		Path:   a.cfg.DatabasePath,
		DSN:    a.cfg.DatabaseDSN,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			a.logger.Error("close store", zap.Error(cerr))
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = st.InitSchema(initCtx)
	cancel()
	if err != nil {
		return err
	}

	pub := a.openEvents(ctx)
	defer func() {
		if cerr := a.closeBus(); cerr != nil {
			a.logger.Warn("close redis", zap.Error(cerr))
		}
	}()

	a.wire(st, pub)

	var brokerErrCh <-chan error
	if a.cfg.MQTTEnabled {
		broker := mqttbroker.New(a.logger)
		broker.SetPublishHandler(a.handleMQTTPublish)
		brokerErrCh, err = broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", zap.Error(err))
		}
	}
	defer a.stopMDNS()

	if err := a.startAudit(); err != nil {
		a.stopBroker()
		return err
	}
	defer a.stopAudit()

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			a.stopBroker()
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.stopBroker()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				a.stopBroker()
				return err
			}
		}
	}
}

func (a *App) stopBroker() {
	if a.broker == nil {
		return
	}
	if err := a.broker.Stop(); err != nil {
		a.logger.Warn("mqtt broker stop", zap.Error(err))
		return
	}
	a.logger.Info("mqtt broker stopped")
}

// storeCtx bounds a single store interaction.
func (a *App) storeCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.cfg.StoreTimeout)
}
