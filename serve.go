package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/thejerf/suture/v4"

	alarmapp "scada-core/internal/alarms/application"
	alarmhttp "scada-core/internal/alarms/interfaces/http"
	alarmnotify "scada-core/internal/alarms/notify"
	apihttp "scada-core/internal/api/http"
	"scada-core/internal/audit"
	"scada-core/internal/auth"
	"scada-core/internal/cache"
	commandsapp "scada-core/internal/commands/application"
	commandshttp "scada-core/internal/commands/interfaces/http"
	"scada-core/internal/config"
	"scada-core/internal/configuration"
	"scada-core/internal/daq"
	"scada-core/internal/eventing"
	eventingrepo "scada-core/internal/eventing/infrastructure/postgres"
	"scada-core/internal/logging"
	"scada-core/internal/observability/metrics"
	supapp "scada-core/internal/supervision/application"
	suphttp "scada-core/internal/supervision/interfaces/http"
	tagapp "scada-core/internal/tags/application"
	taghttp "scada-core/internal/tags/interfaces/http"
)

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	metrics.Init(a.db, logging.With("metrics"))

	if err := a.load(ctx); err != nil {
		return err
	}
	if err := a.resolveRules(ctx); err != nil {
		return err
	}
	cache.CheckConsistency(ctx, logging.With("cache"), a.counted()...)

	// Outbound events.
	var sink eventing.Sink = eventing.NewLogSink(logging.With("events"))
	if cfg.Events.AMQPURL != "" {
		amqpSink, err := eventing.NewAMQPSink(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			return err
		}
		defer amqpSink.Close()
		sink = amqpSink
	}
	queue, err := eventing.NewQueue(sink, cfg.Events.QueueSize,
		eventing.WithDLQ(eventingrepo.NewDeadLetterStore(a.db)),
		eventing.WithRetry(cfg.Events.RetryAttempts, cfg.Events.RetryBackoff),
	)
	if err != nil {
		return err
	}

	// Listeners. Registration happens after the initial load so cold start
	// produces no events.
	supervisionNotifier, err := tagapp.NewSupervisionNotifier(a.tagService, cfg.Tags.SupervisionQueueSize)
	if err != nil {
		return err
	}
	a.entities.RegisterListener([]cache.EventType{cache.EventSupervisionChange, cache.EventConfirmStatus}, supervisionNotifier.Listener())
	a.entities.RegisterListener([]cache.EventType{cache.EventSupervisionChange, cache.EventConfirmStatus, cache.EventUpdateFailed}, eventing.SupervisionListener(queue))
	evaluate := tagapp.AlarmListener(a.alarmService)
	a.data.RegisterListener([]cache.EventType{cache.EventUpdateAccepted}, evaluate)
	a.control.RegisterListener([]cache.EventType{cache.EventUpdateAccepted}, evaluate)
	a.alarms.RegisterListener([]cache.EventType{cache.EventInserted, cache.EventUpdateAccepted}, eventing.AlarmListener(queue))

	var dispatcher *alarmnotify.Dispatcher
	if hook := cfg.Alarms.Webhook; hook.URL != "" {
		var opts []alarmnotify.WebhookOption
		if hook.Token != "" {
			opts = append(opts, alarmnotify.WithBearerToken(hook.Token))
		}
		channel, err := alarmnotify.NewWebhookChannel(hook.URL, opts...)
		if err != nil {
			return err
		}
		tpl, err := alarmnotify.NewTemplate(hook.Template)
		if err != nil {
			return err
		}
		notifier, err := alarmnotify.NewNotifier(a.alarms, channel, tpl,
			alarmnotify.WithEscalation(hook.Escalation),
			alarmnotify.WithCooldown(hook.Cooldown),
			alarmnotify.WithDedupeWindow(hook.DedupeWindow),
			alarmnotify.WithRequestTimeout(hook.Timeout),
		)
		if err != nil {
			return err
		}
		defer notifier.Close()
		if dispatcher, err = alarmnotify.NewDispatcher(notifier, cfg.Alarms.NotifyQueueSize); err != nil {
			return err
		}
		a.alarms.RegisterListener([]cache.EventType{cache.EventInserted, cache.EventUpdateAccepted}, alarmapp.NotificationListener(dispatcher))
	}

	// Background loops.
	monitor, err := supapp.NewAliveMonitor(a.stateMachine,
		supapp.WithSweepInterval(cfg.Supervision.SweepInterval),
		supapp.WithUncertainGrace(cfg.Supervision.UncertainGrace),
	)
	if err != nil {
		return err
	}
	checker, err := alarmapp.NewOscillationChecker(a.alarms, a.tagService, a.oscillation,
		alarmapp.WithCheckInterval(cfg.Alarms.CheckInterval))
	if err != nil {
		return err
	}

	// Acquisition transport.
	transport, err := daq.DialNATS(cfg.DAQ.NATSURL, cfg.DAQ.ClientName)
	if err != nil {
		return err
	}
	defer transport.Close()
	daqClient, err := daq.NewClient(transport, cfg.DAQ.Timeouts)
	if err != nil {
		return err
	}
	daqServer, err := daq.NewServer(transport, a.stateMachine, a.tagService,
		daq.WithConnectTimeout(cfg.DAQ.Timeouts.ProcessConnection),
		daq.WithRefresher(daqClient),
	)
	if err != nil {
		return err
	}
	if err := a.buildApplier(configuration.WithChangeForwarding(daqClient, a.stateMachine)); err != nil {
		return err
	}

	// HTTP.
	var auditLogger audit.Logger = audit.NewRepository(a.db)
	commandService, err := commandsapp.NewService(a.tagService, a.stateMachine, daqClient,
		commandsapp.WithPublisher(queue),
		commandsapp.WithHistorySize(cfg.Commands.HistorySize),
	)
	if err != nil {
		return err
	}
	routes, err := buildRoutes(a, daqClient, commandService, auditLogger)
	if err != nil {
		return err
	}
	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apihttp.NewRouter(routes, auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy), logging.With("http")),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	rootSpec := suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn().Str("event", e.String()).Msg("supervisor event")
		},
		Timeout: cfg.HTTP.ShutdownTimeout,
	}
	root := suture.New("scada-core", rootSpec)
	core := suture.New("core", suture.Spec{Timeout: cfg.HTTP.ShutdownTimeout})
	edge := suture.New("edge", suture.Spec{Timeout: cfg.HTTP.ShutdownTimeout})
	root.Add(core)
	root.Add(edge)

	core.Add(queue)
	core.Add(supervisionNotifier)
	core.Add(monitor)
	core.Add(checker)
	if dispatcher != nil {
		core.Add(dispatcher)
	}
	if a.spool != nil {
		retry, err := cache.NewRetryLoop(a.spool, cfg.Cache.RetryInterval, a.retriers()...)
		if err != nil {
			return err
		}
		core.Add(retry)
	}
	edge.Add(daqServer)
	edge.Add(&httpService{server: server, shutdownTimeout: cfg.HTTP.ShutdownTimeout})

	logger.Info().Str("addr", cfg.HTTP.Addr).Str("nats", cfg.DAQ.NATSURL).Msg("scada-core serving")
	if err := root.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("scada-core stopped")
	return nil
}

func buildRoutes(a *app, daqClient *daq.Client, commandService *commandsapp.Service, auditLogger audit.Logger) (apihttp.Routes, error) {
	var routes apihttp.Routes
	refresh := func(ctx context.Context, processName string) (int, error) {
		return daqClient.RefreshInto(ctx, processName, a.tagService)
	}
	supervisionHandler, err := suphttp.NewHandler(a.stateMachine, suphttp.WithValueRefresh(refresh))
	if err != nil {
		return routes, err
	}
	alarmHandler, err := alarmhttp.NewHandler(a.alarmService, a.oscillation, auditLogger)
	if err != nil {
		return routes, err
	}
	tagHandler, err := taghttp.NewHandler(a.tagService, a.resolver)
	if err != nil {
		return routes, err
	}
	commandHandler, err := commandshttp.NewHandler(commandService, auditLogger)
	if err != nil {
		return routes, err
	}
	configurationHandler, err := apihttp.NewConfigurationHandler(a.applier, auditLogger)
	if err != nil {
		return routes, err
	}
	routes = apihttp.Routes{
		Supervision:   supervisionHandler,
		Alarms:        alarmHandler,
		Tags:          tagHandler,
		Commands:      commandHandler,
		Configuration: configurationHandler,
	}
	return routes, nil
}
