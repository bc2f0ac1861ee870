package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/api/handlers"
	"github.com/acme/campaign-dialer/internal/auth"
	"github.com/acme/campaign-dialer/internal/billing"
	"github.com/acme/campaign-dialer/internal/config"
	"github.com/acme/campaign-dialer/internal/dialer"
	"github.com/acme/campaign-dialer/internal/domain"
	"github.com/acme/campaign-dialer/internal/infra/db"
	"github.com/acme/campaign-dialer/internal/infra/redis"
	"github.com/acme/campaign-dialer/internal/notify"
	"github.com/acme/campaign-dialer/internal/queue"
	"github.com/acme/campaign-dialer/internal/repository"
	pgrepo "github.com/acme/campaign-dialer/internal/repository/postgres"
	scyllarepo "github.com/acme/campaign-dialer/internal/repository/scylla"
	"github.com/acme/campaign-dialer/internal/scheduler"
	campaignsvc "github.com/acme/campaign-dialer/internal/service/campaign"
	"github.com/acme/campaign-dialer/internal/service/concurrency"
	"github.com/acme/campaign-dialer/internal/switchport"
	"github.com/acme/campaign-dialer/internal/switchport/ami"
	"github.com/acme/campaign-dialer/internal/switchport/fake"
	"github.com/acme/campaign-dialer/internal/worker/control"
	"github.com/acme/campaign-dialer/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		err          error
		repositories *Repositories
		notifier     *notify.Bus
		control      *queue.ControlPublisher
		campaigns    *campaignsvc.Service
	}
	engine struct {
		once sync.Once
		err  error
		val  *Engine
	}
}

// Repositories groups the storage adapters.
type Repositories struct {
	Campaigns     repository.CampaignRepository
	BusinessHours repository.BusinessHourRepository
	Tasks         repository.TaskStore
	Billing       repository.BillingRepository
	Attempts      repository.AttemptLog
}

// Engine is the set of components the dialer process runs.
type Engine struct {
	Port       switchport.Port
	AMI        *ami.Client
	Fake       *fake.Switch
	Correlator *dialer.Correlator
	Dialer     *dialer.Dialer
	Retries    *scheduler.RetryScheduler
	Control    *control.Worker
}

// Build loads configuration and connects every backing service.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}
	lg = lg.With(zap.String("instance", cfg.App.InstanceID))

	c := &Container{Config: cfg, Logger: lg}

	if c.Postgres, err = db.NewPostgres(ctx, cfg.Postgres); err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}
	if c.Scylla, err = db.NewScylla(cfg.Scylla); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}
	if c.Redis, err = redis.NewClient(ctx, cfg.Redis); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}
	if c.Kafka, err = queue.NewKafka(cfg.Kafka); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}
	return c, nil
}

func (c *Container) initComponents() error {
	c.components.once.Do(func() {
		sqlDB := c.Postgres.DB()
		c.components.repositories = &Repositories{
			Campaigns:     pgrepo.NewCampaignRepository(sqlDB),
			BusinessHours: pgrepo.NewBusinessHourRepository(sqlDB),
			Tasks:         pgrepo.NewTaskRepository(sqlDB),
			Billing:       pgrepo.NewBillingRepository(sqlDB),
			Attempts:      scyllarepo.NewAttemptStore(c.Scylla.Session()),
		}

		bus, err := c.newBus()
		if err != nil {
			c.components.err = err
			return
		}
		c.components.notifier = bus
		c.components.control = queue.NewControlPublisher(c.Kafka, c.Config.Kafka.ControlTopic)

		repos := c.components.repositories
		dcfg := c.Config.Dialer
		c.components.campaigns = campaignsvc.NewService(campaignsvc.Deps{
			Campaigns: repos.Campaigns,
			Hours:     repos.BusinessHours,
			Tasks:     repos.Tasks,
			Billing:   repos.Billing,
			Attempts:  repos.Attempts,
			Engine:    c.components.control,
			Notifier:  bus,
		}, campaignsvc.Options{
			DefaultConcurrency:   dcfg.DefaultConcurrency,
			DefaultMaxAttempts:   dcfg.DefaultMaxAttempts,
			DefaultRetryInterval: dcfg.DefaultRetryInterval,
			DefaultMaxWait:       dcfg.DefaultMaxWait,
			DefaultCurrency:      c.Config.Billing.DefaultCurrency,
		}, c.Logger)
	})
	return c.components.err
}

func (c *Container) newBus() (*notify.Bus, error) {
	var publishers []notify.Publisher
	if c.Config.MQTT.Enabled {
		p, err := notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:   c.Config.MQTT.Broker,
			ClientID: c.Config.MQTT.ClientID + "-" + c.Config.App.InstanceID,
			QoS:      c.Config.MQTT.QoS,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap mqtt: %w", err)
		}
		publishers = append(publishers, p)
	}
	if c.Config.Notify.KafkaEnabled {
		publishers = append(publishers, notify.NewKafkaPublisher(c.Kafka.NewWriter(c.Config.Kafka.EventTopic)))
	}
	if c.Config.Notify.RedisEnabled {
		publishers = append(publishers, notify.NewRedisPublisher(c.Redis.Inner(), c.Config.Notify.RedisPrefix))
	}
	return notify.NewBus(notify.BusOptions{
		QueueSize:      c.Config.Notify.QueueSize,
		PublishTimeout: c.Config.Notify.PublishTimeout,
		TopicPrefix:    c.Config.MQTT.TopicPrefix,
	}, c.Logger, publishers...), nil
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() (*Repositories, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.repositories, nil
}

// Notifier exposes the notification bus. The owning process must Run it.
func (c *Container) Notifier() (*notify.Bus, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.notifier, nil
}

// Control exposes the control-command publisher.
func (c *Container) Control() (*queue.ControlPublisher, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.control, nil
}

// CampaignService exposes the operator service.
func (c *Container) CampaignService() (*campaignsvc.Service, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	return c.components.campaigns, nil
}

// HandlerSet builds HTTP handlers with health checks over every backing service.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	svc, err := c.CampaignService()
	if err != nil {
		return nil, err
	}
	checks := map[string]handlers.HealthCheck{
		"postgres": c.Postgres.Ping,
		"scylla":   c.Scylla.Ping,
		"redis":    c.Redis.Ping,
	}
	return handlers.NewHandlerSet(svc, checks, c.Logger), nil
}

// AuthGuard returns the bearer-token middleware, or nil when auth is disabled.
func (c *Container) AuthGuard() (fiber.Handler, error) {
	if !c.Config.Auth.Enabled {
		return nil, nil
	}
	m, err := auth.NewManager(c.Config.Auth)
	if err != nil {
		return nil, err
	}
	return auth.RequireOperator(m), nil
}

// Engine builds the dialer-process components.
func (c *Container) Engine() (*Engine, error) {
	c.engine.once.Do(func() {
		c.engine.val, c.engine.err = c.buildEngine()
	})
	return c.engine.val, c.engine.err
}

func (c *Container) buildEngine() (*Engine, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	cfg := c.Config
	repos := c.components.repositories
	e := &Engine{}

	switch cfg.Switch.Driver {
	case "fake":
		e.Fake = fake.New(fake.Always(domain.OutcomeAnswered, time.Second))
		e.Port = e.Fake
	case "ami", "":
		e.AMI = ami.NewClient(ami.Options{
			Addr:           cfg.Switch.AMI.Addr(),
			Username:       cfg.Switch.AMI.Username,
			Secret:         cfg.Switch.AMI.Secret,
			HandleVar:      cfg.Switch.HandleVar,
			DialTimeout:    cfg.Switch.AMI.DialTimeout,
			ActionTimeout:  cfg.Switch.AMI.ActionTimeout,
			ReconnectDelay: cfg.Switch.AMI.ReconnectDelay,
		}, c.Logger)
		e.Port = e.AMI
	default:
		return nil, fmt.Errorf("unknown switch driver %q", cfg.Switch.Driver)
	}

	emitter := billing.NewEmitter(repos.Billing, billing.Options{
		IncrementSeconds: cfg.Billing.IncrementSeconds,
		MinimumSeconds:   cfg.Billing.MinimumSeconds,
		DefaultCurrency:  cfg.Billing.DefaultCurrency,
	}, c.Logger)

	e.Correlator = dialer.NewCorrelator(repos.Tasks, emitter, dialer.CorrelatorOptions{
		EarlyEventTTL: cfg.Dialer.EarlyEventTTL,
	}, c.Logger)
	e.Retries = scheduler.NewRetryScheduler(c.Logger)

	deps := dialer.Deps{
		Campaigns:  repos.Campaigns,
		Tasks:      repos.Tasks,
		Attempts:   repos.Attempts,
		Port:       e.Port,
		Correlator: e.Correlator,
		Billing:    emitter,
		Notifier:   c.components.notifier,
		Retries:    e.Retries,
	}
	if cfg.Dialer.DistributedSlots {
		deps.Slots = concurrency.NewSlots(c.Redis.Inner(), cfg.Dialer.SlotKeyPrefix, cfg.Dialer.SlotTTL)
	}

	ctxs := cfg.Switch.Contexts
	e.Dialer = dialer.New(deps, dialer.Options{
		Technology: cfg.Switch.Technology,
		Contexts: dialer.Contexts{
			Hold:          ctxs.Hold,
			DTMF:          ctxs.DTMF,
			AIFlow:        ctxs.AIFlow,
			HumanQueue:    ctxs.HumanQueue,
			Broadcast:     ctxs.Broadcast,
			OutboundRoute: ctxs.OutboundRoute,
		},
		DefaultMaxWait: cfg.Dialer.DefaultMaxWait,
		WaitGrace:      cfg.Dialer.WaitGrace,
		SlotPoll:       cfg.Dialer.SlotPollInterval,
	}, c.Logger)

	reader := c.Kafka.NewReader(cfg.Kafka.ControlTopic, cfg.Kafka.ConsumerGroupID+"-control")
	e.Control = control.New(reader, e.Dialer, c.Logger)
	return e, nil
}

// Scheduler builds the campaign tick loop. Waves are requested over the control topic.
func (c *Container) Scheduler() (*scheduler.Scheduler, error) {
	if err := c.initComponents(); err != nil {
		return nil, err
	}
	repos := c.components.repositories
	return scheduler.New(repos.Campaigns, repos.Tasks, c.components.control, c.components.notifier, scheduler.Options{
		TickInterval: c.Config.Scheduler.TickInterval,
		MaxBatchSize: c.Config.Scheduler.MaxBatchSize,
	}, c.Logger), nil
}

// EnsureTopics ensures the control and event topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	return c.Kafka.EnsureTopics(ctx, c.Config.Kafka.ControlTopic, c.Config.Kafka.EventTopic)
}

// Close releases all held resources.
func (c *Container) Close() error {
	var errs []error
	if c.components.control != nil {
		if err := c.components.control.Close(); err != nil {
			errs = append(errs, fmt.Errorf("control publisher close: %w", err))
		}
	}
	if c.components.notifier != nil {
		if err := c.components.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("notifier close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	return errors.Join(errs...)
}
