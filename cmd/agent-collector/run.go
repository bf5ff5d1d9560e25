package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/brandonwnguyen/pixie/pkg/agentproto"
	"github.com/brandonwnguyen/pixie/pkg/auth"
	"github.com/brandonwnguyen/pixie/pkg/bus"
	"github.com/brandonwnguyen/pixie/pkg/channelcache"
	"github.com/brandonwnguyen/pixie/pkg/collector"
	"github.com/brandonwnguyen/pixie/pkg/config"
	"github.com/brandonwnguyen/pixie/pkg/dispatcher"
	"github.com/brandonwnguyen/pixie/pkg/lifecycle"
	"github.com/brandonwnguyen/pixie/pkg/logging"
	"github.com/brandonwnguyen/pixie/pkg/sources"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent-collector data-collection core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func loadConfig() (*config.Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &config.Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

func runAgent(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	signingKey, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	minter := auth.New(signingKey, cfg.Auth.TokenTTL)

	registry := collector.NewSourceRegistry()
	registerSources(registry, log)

	managers, err := buildManagers(registry, cfg, log)
	if err != nil {
		return err
	}

	pubsub := collector.NewPubSubManager(log)

	busClient := bus.New(log)
	if err := busClient.Connect(bus.Config{
		URL:           cfg.Bus.URL,
		Name:          cfg.Agent.Hostname,
		MaxReconnects: cfg.Bus.MaxReconnects,
	}); err != nil {
		return fmt.Errorf("connect to bus: %w", err)
	}

	disp := dispatcher.New()
	go disp.Run()

	agentID := cfg.Agent.Hostname // process-unique enough for a single-instance-per-host agent
	lc := lifecycle.New(lifecycle.Info{
		AgentID:  agentID,
		Hostname: cfg.Agent.Hostname,
		PodName:  cfg.Agent.PodName,
		HostIP:   cfg.Agent.HostIP,
	}, busClient, disp, cfg.Bus.ControlTopic, cfg.Bus.AgentTopic, log)

	cache := channelcache.New(cfg.Channels.IdleGracePeriod, minter)

	sched := collector.NewScheduler(func(id uint64, batch *collector.RecordBatch) {
		log.Debug("batch ready for upstream push",
			zap.Uint64("info_class_id", id), zap.Int("rows", batch.Rows))
	}, log)
	sched.SetManagers(managers)

	wireMessageHandlers(busClient, disp, lc, pubsub, sched, managers, cfg.Bus.AgentTopic, log)

	lc.PostRegisterHook = func(asid uint64) {
		log.Info("agent registered", zap.Uint64("asid", asid))
		disp.Post(func() {
			pub := pubsub.BuildPublish(sched.Managers())
			if err := busClient.Publish(cfg.Bus.ControlTopic, pub); err != nil {
				log.Warn("publish schema failed", zap.Error(err))
			}
		})
		armChannelCacheGC(disp, cache, cfg.Channels.CleanupInterval)
	}

	if err := lc.Start(); err != nil {
		return fmt.Errorf("start lifecycle: %w", err)
	}
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	log.Info("agent-collector running", zap.String("bus_url", cfg.Bus.URL))

	waitForShutdown(ctx, log)

	log.Info("shutting down")
	if err := sched.Stop(shutdownTimeout); err != nil {
		log.Warn("scheduler stop timed out", zap.Error(err))
	}
	disp.Stop()
	return lc.Stop()
}

func registerSources(registry *collector.SourceRegistry, log *zap.Logger) {
	register := func(name string, factory collector.ConnectorFactory, sampling, push time.Duration) {
		if err := registry.Register(name, factory, sampling, push); err != nil {
			log.Warn("source registration failed", zap.String("source", name), zap.Error(err))
		}
	}

	register("cpu", func() (collector.Connector, error) {
		return sources.NewCPUConnector(time.Second, 10*time.Second), nil
	}, time.Second, 10*time.Second)

	register("memory", func() (collector.Connector, error) {
		return sources.NewMemoryConnector(time.Second, 10*time.Second), nil
	}, time.Second, 10*time.Second)

	register("synthetic", func() (collector.Connector, error) {
		return sources.NewSyntheticConnector("synthetic", time.Second, 10*time.Second), nil
	}, time.Second, 10*time.Second)
}

// buildManagers instantiates one InfoClassManager per configured,
// enabled source, applying any period overrides. Connector init
// failures are logged and skipped: the agent continues with the
// remaining sources rather than failing startup outright.
func buildManagers(registry *collector.SourceRegistry, cfg *config.Config, log *zap.Logger) ([]*collector.InfoClassManager, error) {
	var managers []*collector.InfoClassManager
	var nextID uint64 = 1

	for _, sc := range cfg.Sources.Enabled {
		conn, err := registry.Create(sc.Name)
		if err != nil {
			log.Warn("unknown source, skipping", zap.String("source", sc.Name), zap.Error(err))
			continue
		}
		if err := conn.Init(); err != nil {
			log.Warn("source init failed, skipping", zap.String("source", sc.Name), zap.Error(err))
			continue
		}

		m := collector.NewInfoClassManager(nextID, conn, log)
		if sc.SamplingPeriod > 0 {
			m.SetSamplingPeriod(sc.SamplingPeriod)
		}
		if sc.PushPeriod > 0 {
			m.SetPushPeriod(sc.PushPeriod)
		}
		managers = append(managers, m)
		nextID++
	}

	return managers, nil
}

// wireMessageHandlers registers bus message handlers for the control
// plane conversation. Every handler below posts its work onto the
// Dispatcher before touching any shared state, so handler logic always
// runs on the single event thread rather than on a bus callback goroutine.
func wireMessageHandlers(
	b *bus.Client,
	disp *dispatcher.Dispatcher,
	lc *lifecycle.Lifecycle,
	pubsub *collector.PubSubManager,
	sched *collector.Scheduler,
	managers []*collector.InfoClassManager,
	agentTopic string,
	log *zap.Logger,
) {
	decode := func(payload []byte, v interface{}, onErr func(error)) {
		if err := json.Unmarshal(payload, v); err != nil {
			onErr(err)
		}
	}

	_ = b.RegisterMessageHandler(agentTopic, func(subject string, payload []byte) {
		disp.Post(func() {
			var envelope struct {
				Type string `json:"type"`
			}
			decode(payload, &envelope, func(err error) {
				log.Warn("malformed inbound message", zap.Error(err))
			})

			switch envelope.Type {
			case "register_response":
				var resp agentproto.RegisterAgentResponse
				decode(payload, &resp, func(error) {})
				lc.HandleRegisterAgentResponse(resp)
			case "heartbeat_ack":
				var ack agentproto.HeartbeatAck
				decode(payload, &ack, func(error) {})
				lc.HandleHeartbeatAck(ack)
			case "heartbeat_nack":
				var nack agentproto.HeartbeatNack
				decode(payload, &nack, func(error) {})
				lc.HandleHeartbeatNack(nack)
			case "subscribe":
				var sub agentproto.Subscribe
				decode(payload, &sub, func(error) {})
				if err := pubsub.ApplySubscribe(sub, managers); err != nil {
					log.Warn("subscribe application failed", zap.Error(err))
					return
				}
				sched.ApplySubscriptionSwap(managers)
			default:
				log.Debug("unrecognized message type", zap.String("type", envelope.Type))
			}
		})
	})
}

func armChannelCacheGC(disp *dispatcher.Dispatcher, cache *channelcache.Cache, interval time.Duration) {
	var t *dispatcher.Timer
	var tick func()
	tick = func() {
		cache.Cleanup(time.Now())
		t.Enable(interval)
	}
	t = disp.CreateTimer(tick)
	t.Enable(interval)
}

func waitForShutdown(ctx context.Context, log *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}
}
