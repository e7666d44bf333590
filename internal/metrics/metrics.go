package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muaviaUsmani/planner/internal/task"
)

// Collector is the global metrics collector instance
var (
	globalCollector *Collector
	once            sync.Once
)

// Collector tracks scheduler metrics in memory and mirrors them into a
// private Prometheus registry
type Collector struct {
	// Counters (atomic for thread-safety)
	totalScheduled  atomic.Int64
	totalDispatched atomic.Int64
	totalCompleted  atomic.Int64
	totalFailed     atomic.Int64
	totalRetried    atomic.Int64
	totalCancelled  atomic.Int64
	recipientsSent  atomic.Int64
	recipientsFail  atomic.Int64

	// Tracking by type and priority (protected by mutex)
	mu              sync.RWMutex
	tasksByType     map[task.Type]int64
	tasksByPriority map[task.Priority]int64
	totalDuration   time.Duration
	startTime       time.Time
	inFlight        int64
	capacity        int64
	ramTasks        int64
	errorCount      int64
	executionCount  int64

	registry     *prometheus.Registry
	promCounters *prometheus.CounterVec
	promRecips   *prometheus.CounterVec
	promDuration *prometheus.HistogramVec
	promInFlight prometheus.Gauge
	promRAM      prometheus.Gauge
}

// Metrics represents a snapshot of current scheduler metrics
type Metrics struct {
	TotalScheduled       int64                   `json:"total_scheduled"`
	TotalDispatched      int64                   `json:"total_dispatched"`
	TotalCompleted       int64                   `json:"total_completed"`
	TotalFailed          int64                   `json:"total_failed"`
	TotalRetried         int64                   `json:"total_retried"`
	TotalCancelled       int64                   `json:"total_cancelled"`
	RecipientsSent       int64                   `json:"recipients_sent"`
	RecipientsFailed     int64                   `json:"recipients_failed"`
	TasksByType          map[task.Type]int64     `json:"tasks_by_type"`
	TasksByPriority      map[task.Priority]int64 `json:"tasks_by_priority"`
	AvgExecutionDuration time.Duration           `json:"avg_execution_duration"`
	InFlight             int64                   `json:"in_flight"`
	DispatchUtilization  float64                 `json:"dispatch_utilization"`
	RAMTasks             int64                   `json:"ram_tasks"`
	ErrorRate            float64                 `json:"error_rate"`
	Uptime               time.Duration           `json:"uptime"`
}

// Default returns the global metrics collector instance
func Default() *Collector {
	once.Do(func() {
		globalCollector = NewCollector()
	})
	return globalCollector
}

// NewCollector creates a new metrics collector with its own Prometheus
// registry, so several collectors can coexist in one process
func NewCollector() *Collector {
	c := &Collector{
		tasksByType:     make(map[task.Type]int64),
		tasksByPriority: make(map[task.Priority]int64),
		startTime:       time.Now(),
		registry:        prometheus.NewRegistry(),
		promCounters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "tasks_total",
			Help:      "Task lifecycle events by event and task type",
		}, []string{"event", "type"}),
		promRecips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "planner",
			Name:      "recipients_total",
			Help:      "Per-recipient sends of fan-out tasks by outcome",
		}, []string{"outcome"}),
		promDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "planner",
			Name:      "execution_duration_seconds",
			Help:      "Handler execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "outcome"}),
		promInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planner",
			Name:      "dispatches_in_flight",
			Help:      "Current number of tasks being executed",
		}),
		promRAM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "planner",
			Name:      "ram_tier_tasks",
			Help:      "Tasks currently held in the in-memory tier",
		}),
	}

	c.registry.MustRegister(
		c.promCounters,
		c.promRecips,
		c.promDuration,
		c.promInFlight,
		c.promRAM,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordScheduled records a newly persisted task
func (c *Collector) RecordScheduled(t task.Type, priority task.Priority) {
	c.totalScheduled.Add(1)
	c.promCounters.WithLabelValues("scheduled", string(t)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasksByType[t]++
	c.tasksByPriority[priority]++
}

// RecordDispatched records a task claimed by the engine
func (c *Collector) RecordDispatched(t task.Type) {
	c.totalDispatched.Add(1)
	c.promCounters.WithLabelValues("dispatched", string(t)).Inc()
}

// RecordCompleted records a successful execution
func (c *Collector) RecordCompleted(t task.Type, duration time.Duration) {
	c.totalCompleted.Add(1)
	c.promCounters.WithLabelValues("completed", string(t)).Inc()
	c.promDuration.WithLabelValues(string(t), "success").Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.executionCount++
}

// RecordFailed records an execution that left the task failed
func (c *Collector) RecordFailed(t task.Type, duration time.Duration) {
	c.totalFailed.Add(1)
	c.promCounters.WithLabelValues("failed", string(t)).Inc()
	c.promDuration.WithLabelValues(string(t), "failure").Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.executionCount++
	c.errorCount++
}

// RecordRetried records a failed execution that was rescheduled
func (c *Collector) RecordRetried(t task.Type, duration time.Duration) {
	c.totalRetried.Add(1)
	c.promCounters.WithLabelValues("retried", string(t)).Inc()
	c.promDuration.WithLabelValues(string(t), "retry").Observe(duration.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalDuration += duration
	c.executionCount++
	c.errorCount++
}

// RecordCancelled records a cancelled task
func (c *Collector) RecordCancelled(t task.Type) {
	c.totalCancelled.Add(1)
	c.promCounters.WithLabelValues("cancelled", string(t)).Inc()
}

// RecordRecipients records the outcome of one fan-out execution
func (c *Collector) RecordRecipients(sent, failed int) {
	c.recipientsSent.Add(int64(sent))
	c.recipientsFail.Add(int64(failed))
	c.promRecips.WithLabelValues("sent").Add(float64(sent))
	c.promRecips.WithLabelValues("failed").Add(float64(failed))
}

// RecordInFlight updates dispatch utilization
func (c *Collector) RecordInFlight(active, capacity int64) {
	c.promInFlight.Set(float64(active))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = active
	c.capacity = capacity
}

// RecordRAMTier updates the in-memory tier size
func (c *Collector) RecordRAMTier(n int) {
	c.promRAM.Set(float64(n))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ramTasks = int64(n)
}

// GetMetrics returns a snapshot of current metrics
func (c *Collector) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byType := make(map[task.Type]int64, len(c.tasksByType))
	for k, v := range c.tasksByType {
		byType[k] = v
	}

	byPriority := make(map[task.Priority]int64, len(c.tasksByPriority))
	for k, v := range c.tasksByPriority {
		byPriority[k] = v
	}

	var avgDuration time.Duration
	if c.executionCount > 0 {
		avgDuration = c.totalDuration / time.Duration(c.executionCount)
	}

	var utilization float64
	if c.capacity > 0 {
		utilization = float64(c.inFlight) / float64(c.capacity) * 100
	}

	var errorRate float64
	if c.executionCount > 0 {
		errorRate = float64(c.errorCount) / float64(c.executionCount) * 100
	}

	return Metrics{
		TotalScheduled:       c.totalScheduled.Load(),
		TotalDispatched:      c.totalDispatched.Load(),
		TotalCompleted:       c.totalCompleted.Load(),
		TotalFailed:          c.totalFailed.Load(),
		TotalRetried:         c.totalRetried.Load(),
		TotalCancelled:       c.totalCancelled.Load(),
		RecipientsSent:       c.recipientsSent.Load(),
		RecipientsFailed:     c.recipientsFail.Load(),
		TasksByType:          byType,
		TasksByPriority:      byPriority,
		AvgExecutionDuration: avgDuration,
		InFlight:             c.inFlight,
		DispatchUtilization:  utilization,
		RAMTasks:             c.ramTasks,
		ErrorRate:            errorRate,
		Uptime:               time.Since(c.startTime),
	}
}

// Registry exposes the Prometheus registry, e.g. for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the Prometheus exposition format for this collector
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Reset clears all metrics (useful for testing)
func (c *Collector) Reset() {
	c.totalScheduled.Store(0)
	c.totalDispatched.Store(0)
	c.totalCompleted.Store(0)
	c.totalFailed.Store(0)
	c.totalRetried.Store(0)
	c.totalCancelled.Store(0)
	c.recipientsSent.Store(0)
	c.recipientsFail.Store(0)
	c.promCounters.Reset()
	c.promRecips.Reset()
	c.promDuration.Reset()
	c.promInFlight.Set(0)
	c.promRAM.Set(0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasksByType = make(map[task.Type]int64)
	c.tasksByPriority = make(map[task.Priority]int64)
	c.totalDuration = 0
	c.startTime = time.Now()
	c.inFlight = 0
	c.capacity = 0
	c.ramTasks = 0
	c.errorCount = 0
	c.executionCount = 0
}

// GetMetrics returns metrics from the global collector
func GetMetrics() Metrics {
	return Default().GetMetrics()
}

// ResetMetrics resets the global collector
func ResetMetrics() {
	Default().Reset()
}
