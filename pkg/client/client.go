// Package client embeds a complete planner in another Go program: durable
// store, default handlers, scheduler, execution engine and result backend.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/planner/internal/clock"
	"github.com/muaviaUsmani/planner/internal/config"
	"github.com/muaviaUsmani/planner/internal/delivery"
	"github.com/muaviaUsmani/planner/internal/handlers"
	"github.com/muaviaUsmani/planner/internal/logger"
	"github.com/muaviaUsmani/planner/internal/metrics"
	"github.com/muaviaUsmani/planner/internal/result"
	"github.com/muaviaUsmani/planner/internal/scheduler"
	"github.com/muaviaUsmani/planner/internal/serialization"
	"github.com/muaviaUsmani/planner/internal/store"
	"github.com/muaviaUsmani/planner/internal/task"
	"github.com/muaviaUsmani/planner/internal/worker"
)

// ErrResultsDisabled is returned by WaitForResult without a result backend
var ErrResultsDisabled = errors.New("result backend is disabled")

// Client wires the planner components together
type Client struct {
	cfg       *config.Config
	store     store.Store
	registry  *worker.Registry
	scheduler *scheduler.Scheduler
	engine    *scheduler.Engine
	results   result.Backend
	directory delivery.UserDirectory
	log       logger.Logger

	// sideRedis is closed separately when the store does not own it
	sideRedis *redis.Client
}

type options struct {
	email        delivery.EmailService
	push         delivery.PushService
	orchestrator delivery.NotificationOrchestrator
	directory    delivery.UserDirectory
	redisClient  *redis.Client
	clock        clock.Clock
	log          logger.Logger
	metrics      *metrics.Collector
}

// Option customizes New
type Option func(*options)

// WithEmailService replaces the logging email service
func WithEmailService(s delivery.EmailService) Option {
	return func(o *options) { o.email = s }
}

// WithPushService replaces the logging push service
func WithPushService(s delivery.PushService) Option {
	return func(o *options) { o.push = s }
}

// WithOrchestrator replaces the default push/email orchestrator
func WithOrchestrator(n delivery.NotificationOrchestrator) Option {
	return func(o *options) { o.orchestrator = n }
}

// WithDirectory replaces the user directory used for individual emails
func WithDirectory(d delivery.UserDirectory) Option {
	return func(o *options) { o.directory = d }
}

// WithRedisClient uses an existing connection instead of dialing
// cfg.RedisURL. The Client takes ownership and closes it.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redisClient = c }
}

// WithClock replaces the wall clock
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger replaces the default logger
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records into m instead of the global collector
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// New connects the configured store and builds every component. The engine
// is not started; call Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{log: logger.Default(), metrics: metrics.Default()}
	for _, opt := range opts {
		opt(o)
	}

	format, err := serialization.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return nil, err
	}
	ser := serialization.NewSerializer(format)

	c := &Client{cfg: cfg, log: o.log.WithComponent(logger.ComponentScheduler)}

	redisClient := o.redisClient
	dial := func() (*redis.Client, error) {
		if redisClient != nil {
			return redisClient, nil
		}
		rc, err := store.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		redisClient = rc
		return rc, nil
	}

	switch cfg.StoreBackend {
	case config.BackendSQLite:
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath, ser)
		if err != nil {
			return nil, err
		}
		c.store = st
	default:
		rc, err := dial()
		if err != nil {
			return nil, err
		}
		c.store = store.NewRedisStore(rc, cfg.KeyPrefix, ser)
	}

	if cfg.ResultBackendEnabled {
		rc, err := dial()
		if err != nil {
			c.store.Close()
			return nil, fmt.Errorf("result backend: %w", err)
		}
		c.results = result.NewRedisBackend(rc, cfg.KeyPrefix, cfg.ResultBackendTTLSuccess, cfg.ResultBackendTTLFailure)
	}

	if cfg.StoreBackend == config.BackendSQLite {
		c.sideRedis = redisClient
	}

	c.directory = o.directory
	if c.directory == nil {
		if redisClient != nil {
			c.directory = delivery.NewRedisDirectory(redisClient, cfg.KeyPrefix)
		} else {
			c.directory = delivery.NewStaticDirectory(nil)
		}
	}
	email := o.email
	if email == nil {
		email = delivery.NewLogEmailService()
	}
	push := o.push
	if push == nil {
		push = delivery.NewLogPushService()
	}
	orchestrator := o.orchestrator
	if orchestrator == nil {
		orchestrator = delivery.NewOrchestrator(push, email, c.directory)
	}

	c.registry = worker.NewRegistry()
	handlers.RegisterDefaults(c.registry, handlers.Deps{
		Email:        email,
		Push:         push,
		Orchestrator: orchestrator,
		Directory:    c.directory,
		Pool:         worker.NewPool(cfg.FanoutConcurrency, cfg.FanoutRatePerSec),
		Logger:       o.log,
	})

	schedOpts := []scheduler.Option{scheduler.WithLogger(o.log), scheduler.WithMetrics(o.metrics)}
	if o.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.clock))
	}
	c.scheduler = scheduler.New(c.store, scheduler.Config{
		Horizon:       cfg.ImminentHorizon,
		CleanupFailed: cfg.CleanupFailed,
		DefaultRetry: task.RetryPolicy{
			MaxRetries:   cfg.DefaultMaxRetries,
			RetryDelayMs: cfg.DefaultRetryDelay.Milliseconds(),
		},
		DisableRAMTier: !cfg.Mode.RunsEngine(),
	}, schedOpts...)

	var engineOpts []scheduler.EngineOption
	if c.results != nil {
		engineOpts = append(engineOpts, scheduler.WithResultBackend(c.results))
	}
	c.engine = scheduler.NewEngine(c.scheduler, worker.NewExecutor(c.registry, cfg.TaskTimeout, o.metrics), scheduler.EngineConfig{
		PollInterval: cfg.PollInterval,
		MaxInFlight:  cfg.MaxInFlight,
		StaleAfter:   cfg.StaleAfter,
	}, engineOpts...)

	c.log.Info("Planner client ready", "config", cfg.String())
	return c, nil
}

// Start starts the execution engine
func (c *Client) Start(ctx context.Context) error {
	return c.engine.Start(ctx)
}

// Schedule validates and stores a new task, returning its id
func (c *Client) Schedule(ctx context.Context, in scheduler.Input) (string, error) {
	return c.scheduler.Schedule(ctx, in)
}

// GetTask retrieves a task by id
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	return c.scheduler.GetTask(ctx, id)
}

// GetStatus returns nil for unknown ids
func (c *Client) GetStatus(ctx context.Context, id string) *scheduler.StatusInfo {
	return c.scheduler.GetStatus(ctx, id)
}

// Cancel cancels a pending task
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.scheduler.Cancel(ctx, id)
}

// Reschedule moves a pending task to at
func (c *Client) Reschedule(ctx context.Context, id string, at time.Time) error {
	return c.scheduler.Reschedule(ctx, id, at)
}

// ListPendingTasks returns pending tasks in dispatch priority order
func (c *Client) ListPendingTasks(ctx context.Context) ([]*task.Task, error) {
	return c.scheduler.ListPendingTasks(ctx)
}

// ListAllTasks returns every task in schedule order
func (c *Client) ListAllTasks(ctx context.Context) ([]*task.Task, error) {
	return c.scheduler.ListAllTasks(ctx)
}

// GetStats counts tasks by status
func (c *Client) GetStats(ctx context.Context) (scheduler.Stats, error) {
	return c.scheduler.GetStats(ctx)
}

// Cleanup removes finished tasks
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	return c.scheduler.Cleanup(ctx)
}

// WaitForResult blocks until the task's next execution is recorded or
// timeout elapses, in which case it returns nil, nil
func (c *Client) WaitForResult(ctx context.Context, id string, timeout time.Duration) (*task.Execution, error) {
	if c.results == nil {
		return nil, ErrResultsDisabled
	}
	return c.results.WaitForResult(ctx, id, timeout)
}

// Scheduler returns the scheduler core
func (c *Client) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Engine returns the execution engine
func (c *Client) Engine() *scheduler.Engine { return c.engine }

// Registry returns the handler registry, for registering custom handlers
func (c *Client) Registry() *worker.Registry { return c.registry }

// Results returns the result backend, nil when disabled
func (c *Client) Results() result.Backend { return c.results }

// Directory returns the user directory individual emails resolve through
func (c *Client) Directory() delivery.UserDirectory { return c.directory }

// Config returns the configuration the client was built from
func (c *Client) Config() *config.Config { return c.cfg }

// Ping checks the store is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close stops the engine, waiting for in-flight tasks, and closes connections
func (c *Client) Close() error {
	c.engine.Stop()

	var errs []error
	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.sideRedis != nil {
		if err := c.sideRedis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
