package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"feed_relay/internal/admin"
	"feed_relay/internal/config"
	"feed_relay/internal/lock"
	"feed_relay/internal/monitor"
	"feed_relay/internal/normalize"
	"feed_relay/internal/publisher"
	"feed_relay/internal/routing"
	"feed_relay/internal/scheduler"
	"feed_relay/internal/service"
	"feed_relay/internal/source/rss"
	"feed_relay/internal/storage/file"
	"feed_relay/internal/storage/mirror"
	"feed_relay/internal/storage/sqlstore"
)

const usage = `usage: relay [-config path] <command> [args]

commands:
  run                          poll the feed and relay new articles (default)
  resync                       mark everything in the feed as published, send nothing
  status                       print the stored cursor and destinations
  bind <channel> <scope> <target>
  unbind <channel> <scope>
`

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	logger := setupLogger("info")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}
	args := flag.Args()
	if len(args) > 0 {
		args = args[1:]
	}

	switch command {
	case "run":
		err = run(ctx, cfg, logger)
	case "resync":
		err = resync(ctx, cfg, logger)
	case "status":
		err = status(ctx, cfg, logger)
	case "bind":
		err = bind(cfg, logger, args)
	case "unbind":
		err = unbind(cfg, logger, args)
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error(command+" failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	sched, err := scheduler.NewScheduler(a.relay, scheduler.Config{
		Schedule: cfg.Sync.Schedule,
		Interval: cfg.Sync.Interval,
		Budget:   cfg.Sync.CycleBudget,
	}, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := sched.Start(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.Routing.Watch {
		g.Go(func() error {
			if err := a.router.Watch(gctx); err != nil {
				logger.Warn("bindings watcher stopped", "error", err)
			}
			return nil
		})
	}

	if cfg.Admin.Addr != "" {
		srv := admin.NewServer(cfg.Feed.URL, a.relay, a.store, a.router, a.health, cfg.Admin.Token, logger.With("component", "admin"))
		g.Go(func() error {
			return srv.Run(gctx, cfg.Admin.Addr)
		})
	}

	logger.Info("starting feed relay",
		"feed", cfg.Feed.URL,
		"state", cfg.State.Driver,
		"enabled", a.router.EnabledChannels(),
		"destinations", len(a.router.Destinations()),
		"pace", cfg.Dispatch.Pace,
	)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Debug("sd_notify failed", "error", err)
	}

	err = g.Wait()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

func resync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	_, err = a.relay.Resync(ctx)
	return err
}

func status(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	router, err := routing.New(cfg.Routing.Path, cfg.Routing.Enabled, cfg.Routing.Destinations, logger)
	if err != nil {
		return err
	}

	state, err := store.Load(ctx)
	if err != nil {
		return err
	}

	out := map[string]any{
		"feed":          cfg.Feed.URL,
		"cold_start":    state.IsColdStart(),
		"committed_at":  state.CommittedAt,
		"last_seen_id":  state.LastSeenID,
		"last_seen_at":  state.LastSeenAt,
		"validator":     state.Validator,
		"published_ids": len(state.PublishedIDs),
		"enabled":       router.EnabledChannels(),
		"destinations":  router.Destinations(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func bind(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 3 {
		return errors.New("bind needs <channel> <scope> <target>")
	}
	router, err := routing.New(cfg.Routing.Path, cfg.Routing.Enabled, cfg.Routing.Destinations, logger)
	if err != nil {
		return err
	}
	if err := router.Bind(args[0], args[1], args[2], nil); err != nil {
		return err
	}
	logger.Info("destination bound", "channel", args[0], "scope", args[1])
	return nil
}

func unbind(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 2 {
		return errors.New("unbind needs <channel> <scope>")
	}
	router, err := routing.New(cfg.Routing.Path, cfg.Routing.Enabled, cfg.Routing.Destinations, logger)
	if err != nil {
		return err
	}
	removed, err := router.Unbind(args[0], args[1])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no %s binding for scope %q", args[0], args[1])
	}
	logger.Info("destination unbound", "channel", args[0], "scope", args[1])
	return nil
}

type app struct {
	store   service.StateStore
	relay   *service.Relay
	router  *routing.Router
	health  *monitor.Health
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() error { closeStore(); return nil })

	a.router, err = routing.New(cfg.Routing.Path, cfg.Routing.Enabled, cfg.Routing.Destinations, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	publishers, err := buildPublishers(cfg, logger, a)
	if err != nil {
		a.close()
		return nil, err
	}

	source := rss.New(rss.Config{
		URL:            cfg.Feed.URL,
		UserAgent:      cfg.Feed.UserAgent,
		Timeout:        cfg.Feed.Timeout,
		MaxAttempts:    cfg.Feed.Retry.MaxAttempts,
		InitialBackoff: cfg.Feed.Retry.InitialBackoff,
		MaxBackoff:     cfg.Feed.Retry.MaxBackoff,
	}, logger)

	a.health = monitor.New(cfg.Monitor.AlertThreshold, logger.With("component", "monitor"))
	if len(cfg.Monitor.AlertChannels) > 0 {
		alerter := service.NewAlerter(a.router, publishers, cfg.Monitor.AlertChannels, cfg.Feed.URL, logger)
		a.health.WithAlerter(alerter, cfg.Dispatch.Timeout)
	}
	opts := []service.Option{
		service.WithHealth(a.health),
		service.WithBaseURL(cfg.Feed.BaseURL),
	}

	if cfg.Lock.Redis.Addr != "" {
		l := lock.NewRedis(lock.Config{
			Addr:     cfg.Lock.Redis.Addr,
			Password: cfg.Lock.Redis.Password,
			DB:       cfg.Lock.Redis.DB,
			Key:      cfg.Lock.Key,
			TTL:      cfg.Lock.TTL,
		}, logger)
		if err := l.Ping(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.closers = append(a.closers, l.Close)
		opts = append(opts, service.WithLocker(l))
	}

	a.relay = service.NewRelay(
		source,
		normalize.New(),
		store,
		a.router,
		publishers,
		logger,
		cfg.Sync,
		cfg.Dispatch,
		opts...,
	)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (service.StateStore, func(), error) {
	var (
		local   mirror.Backend
		closeFn = func() {}
	)

	switch cfg.State.Driver {
	case "file":
		local = file.New(cfg.State.Path, logger)
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		dsn := cfg.State.Path
		if cfg.State.Driver == sqlstore.DriverPostgres {
			dsn = cfg.State.Database.DSN()
		}
		db, err := sqlstore.Open(ctx, cfg.State.Driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("connected to database", "driver", cfg.State.Driver)
		local = sqlstore.New(db)
		closeFn = func() { _ = db.Close() }
	default:
		return nil, nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}

	if !cfg.State.Mirror.Enabled {
		return local, closeFn, nil
	}

	remote, err := mirror.NewS3(ctx, mirror.S3Config{
		Bucket:       cfg.State.Mirror.Bucket,
		Region:       cfg.State.Mirror.Region,
		Endpoint:     cfg.State.Mirror.Endpoint,
		UsePathStyle: cfg.State.Mirror.UsePathStyle,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return mirror.New(local, remote, cfg.State.Mirror.Key, logger), closeFn, nil
}

// buildPublishers creates every channel that has enough configuration to run.
// Destinations bound to a missing channel fail at dispatch time.
func buildPublishers(cfg *config.Config, logger *slog.Logger, a *app) (map[string]service.Publisher, error) {
	format := publisher.Format{SummaryMax: cfg.Dispatch.SummaryMax, UTM: cfg.Dispatch.UTM}
	client := &http.Client{Timeout: cfg.Dispatch.Timeout}
	pubs := make(map[string]service.Publisher)

	pc := cfg.Publishers
	if pc.Telegram.Token != "" {
		tg, err := publisher.NewTelegram(publisher.TelegramConfig{
			Token:      pc.Telegram.Token,
			APIURL:     pc.Telegram.APIURL,
			Silent:     pc.Telegram.Silent,
			CaptionMax: pc.Telegram.Caption,
			Format:     format,
		}, client, logger)
		if err != nil {
			return nil, err
		}
		pubs[publisher.ChannelTelegram] = tg
	}

	pubs[publisher.ChannelDiscord] = publisher.NewDiscord(publisher.DiscordConfig{
		Username:  pc.Discord.Username,
		AvatarURL: pc.Discord.AvatarURL,
		Color:     pc.Discord.Color,
		Format:    format,
	}, client, logger)

	pubs[publisher.ChannelWebhook] = publisher.NewWebhook(pc.Webhook.Headers, client, logger)

	if pc.RabbitMQ.URL != "" {
		rmq, err := publisher.NewRabbitMQ(publisher.RabbitMQConfig{
			URL:        pc.RabbitMQ.URL,
			Exchange:   pc.RabbitMQ.Exchange,
			RoutingKey: pc.RabbitMQ.RoutingKey,
			QueueName:  pc.RabbitMQ.QueueName,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rmq.Close)
		pubs[publisher.ChannelRabbitMQ] = rmq
	}

	if len(pc.Kafka.Brokers) > 0 {
		k, err := publisher.NewKafka(publisher.KafkaConfig{
			Brokers:  pc.Kafka.Brokers,
			ClientID: pc.Kafka.ClientID,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, k.Close)
		pubs[publisher.ChannelKafka] = k
	}

	return pubs, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	handler := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(handler)
}
