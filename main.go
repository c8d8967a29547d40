package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/observer/cmd"
	"github.com/smazurov/observer/internal/api"
	"github.com/smazurov/observer/internal/config"
	"github.com/smazurov/observer/internal/eventbus"
	"github.com/smazurov/observer/internal/events"
	"github.com/smazurov/observer/internal/listeners"
	"github.com/smazurov/observer/internal/logging"
	"github.com/smazurov/observer/internal/metrics"
	"github.com/smazurov/observer/internal/nats"
	"github.com/smazurov/observer/internal/redisconn"
	"github.com/smazurov/observer/internal/relay"
	"github.com/smazurov/observer/internal/scripts"
	"github.com/smazurov/observer/internal/systemd"
	"github.com/smazurov/observer/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	AppName string `help:"Application name reported to NATS and systemd" default:"observer" toml:"app.name" env:"APP_NAME"`

	// Server settings
	Port         string `help:"Port to listen on" short:"p" default:":8091" toml:"server.port" env:"SERVER_PORT"`
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Redis settings
	RedisHost          string `help:"Redis host" default:"localhost" toml:"redis.host" env:"REDIS_HOST"`
	RedisPort          int    `help:"Redis port" default:"6379" toml:"redis.port" env:"REDIS_PORT"`
	RedisEndpoint      string `help:"Redis URI, overrides host and port" default:"" toml:"redis.endpoint" env:"REDIS_ENDPOINT"`
	RedisRetryLimit    int    `help:"Refused connects before giving up" default:"5" toml:"redis.retry_limit" env:"REDIS_RETRY_LIMIT"`
	RedisReconnectWait string `help:"Delay between connect attempts" default:"500ms" toml:"redis.reconnect_wait" env:"REDIS_RECONNECT_WAIT"`
	RedisScriptsDir    string `help:"Directory of *.lua scripts to register" default:"" toml:"redis.scripts_dir" env:"REDIS_SCRIPTS_DIR"`

	// Relay and bus settings
	RelayChannelsFile string `help:"Channel mapping file, reloaded on change" default:"channels.toml" toml:"relay.channels_file" env:"RELAY_CHANNELS_FILE"`
	BusMaxListeners   int    `help:"Listeners per pattern before a leak warning, 0 disables" default:"10" toml:"bus.max_listeners" env:"BUS_MAX_LISTENERS"`

	// NATS settings
	NatsURL           string `name:"nats-url" help:"NATS server to forward bus events to" default:"" toml:"nats.url" env:"NATS_URL"`
	NatsEmbedded      bool   `name:"nats-embedded" help:"Run an embedded NATS server and forward to it" default:"false" toml:"nats.embedded" env:"NATS_EMBEDDED"`
	NatsForward       string `name:"nats-forward" help:"Comma separated bus patterns to forward" default:"**" toml:"nats.forward" env:"NATS_FORWARD"`
	NatsSubjectPrefix string `name:"nats-subject-prefix" help:"Subject prefix for forwarded events" default:"observer.events" toml:"nats.subject_prefix" env:"NATS_SUBJECT_PREFIX"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		// Module levels come from the [logging] table, globals from options
		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		reconnectWait, parseErr := time.ParseDuration(opts.RedisReconnectWait)
		if parseErr != nil {
			logger.Warn("Invalid reconnect wait, using default", "value", opts.RedisReconnectWait, "error", parseErr)
			reconnectWait = redisconn.DefaultReconnectWait
		}

		m := metrics.New()
		lifecycle := events.New()

		bus := eventbus.New(
			eventbus.WithMaxListeners(opts.BusMaxListeners),
			eventbus.WithLogger(logging.GetLogger("eventbus")),
			eventbus.WithMetrics(m),
		)

		cache := scripts.NewCache()
		manager := redisconn.New(redisconn.Config{
			Host:          opts.RedisHost,
			Port:          opts.RedisPort,
			Endpoint:      opts.RedisEndpoint,
			RetryLimit:    opts.RedisRetryLimit,
			ReconnectWait: reconnectWait,
		}, cache,
			redisconn.WithEventBus(lifecycle),
			redisconn.WithLogger(logging.GetLogger("redis")),
			redisconn.WithMetrics(m),
		)

		rel := relay.New(manager, bus,
			relay.WithEventBus(lifecycle),
			relay.WithLogger(logging.GetLogger("relay")),
			relay.WithMetrics(m),
		)

		watcher := config.NewWatcher(opts.RelayChannelsFile, config.LoadChannels, logging.GetLogger("config"))
		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Connection:        manager,
			Subscriptions:     rel,
			Bus:               bus,
			Events:            lifecycle,
			PrometheusHandler: m.Handler(),
			Logger:            logging.GetLogger("api"),
		})

		ctx, cancel := context.WithCancel(context.Background())

		var natsServer *nats.Server
		var forwarder *nats.Forwarder
		stopListeners := func() {}

		// fail exits unless shutdown already began
		fail := func(msg string, err error) {
			if ctx.Err() != nil {
				return
			}
			logger.Error(msg, "error", err)
			os.Exit(1)
		}

		hooks.OnStart(func() {
			logger.Info("Starting observer", "app", opts.AppName, "version", version.String())

			if opts.RedisScriptsDir != "" {
				regs, err := scripts.LoadDir(cache, opts.RedisScriptsDir)
				if err != nil {
					fail("Failed to load scripts", err)
					return
				}
				logger.Info("Registered scripts", "dir", opts.RedisScriptsDir, "count", len(regs))
			}

			natsURL := opts.NatsURL
			if opts.NatsEmbedded {
				natsServer = nats.NewServer(nats.ServerOptions{Name: opts.AppName, Logger: logging.GetLogger("nats")})
				if err := natsServer.Start(); err != nil {
					fail("Failed to start embedded NATS server", err)
					return
				}
				natsURL = natsServer.ClientURL()
			}
			if natsURL != "" {
				forwarder = nats.NewForwarder(bus, nats.ForwarderOptions{
					URL:           natsURL,
					SubjectPrefix: opts.NatsSubjectPrefix,
					Patterns:      splitPatterns(opts.NatsForward),
					Logger:        logging.GetLogger("nats"),
				})
				if err := forwarder.Start(); err != nil {
					logger.Warn("NATS forwarding disabled", "error", err)
				}
			}

			notifier.Status("connecting to redis at %s", manager.Config().Address())
			if err := manager.Connect(ctx); err != nil {
				fail("Failed to connect to Redis", err)
				return
			}

			mappings, err := config.LoadChannels(opts.RelayChannelsFile)
			if err != nil {
				fail("Failed to load channel mappings", err)
				return
			}
			if err := rel.Initialize(ctx, mappings); err != nil {
				fail("Failed to initialize relay", err)
				return
			}

			watcher.OnReload(func(desired []relay.Mapping) {
				if reconcileErr := rel.Reconcile(ctx, desired); reconcileErr != nil {
					logger.Warn("Channel mappings partially applied", "error", reconcileErr)
				}
			})
			if err := watcher.Start(); err != nil {
				logger.Warn("Channel file changes will not be applied", "error", err)
			}

			off, err := listeners.Listen(ctx, rel, bus, logging.GetLogger("listeners"))
			if err != nil {
				fail("Failed to register listeners", err)
				return
			}
			stopListeners = off

			if err := bus.Emit(listeners.EventAppReady, nil); err != nil {
				logger.Warn("Ready event handlers failed", "error", err)
			}

			notifier.Ready()
			notifier.StartWatchdog()
			notifier.Status("ready, relaying %d channels", len(rel.Mappings()))

			logger.Info("Starting HTTP server", "port", opts.Port)
			if err := server.Start(opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail("Failed to start HTTP server", err)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			notifier.Stopping()
			cancel()

			if err := server.Stop(); err != nil {
				logger.Error("Error stopping HTTP server", "error", err)
			}
			if err := watcher.Stop(); err != nil {
				logger.Warn("Error stopping channel watcher", "error", err)
			}
			stopListeners()

			if err := rel.Close(); err != nil {
				logger.Warn("Error closing relay", "error", err)
			}
			if forwarder != nil {
				forwarder.Stop()
			}
			if natsServer != nil {
				natsServer.Stop()
			}
			if err := manager.Close(); err != nil {
				logger.Warn("Error closing Redis connection", "error", err)
			}
		})
	})

	root := cli.Root()
	root.Use = "observer"
	root.Short = "Redis script cache and pub/sub event relay"
	root.Version = version.Long()

	root.AddCommand(cmd.CreateScriptsCmd())
	root.AddCommand(cmd.CreatePublishCmd())

	cli.Run()
}

func splitPatterns(value string) []string {
	var patterns []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}
