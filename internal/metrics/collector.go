package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	descUp         = prometheus.NewDesc(namespace+"_up", "1 when the pipeline is running.", nil, nil)
	descWorkers    = prometheus.NewDesc(namespace+"_workers", "Configured worker count.", nil, nil)
	descInFlight   = prometheus.NewDesc(namespace+"_in_flight", "Attempts handed to workers and not yet finished.", nil, nil)
	descQueueDepth = prometheus.NewDesc(namespace+"_queue_depth", "Jobs waiting in the queue.", nil, nil)
	descDueNow     = prometheus.NewDesc(namespace+"_queue_due", "Queued jobs whose time has come.", nil, nil)
	descPosts      = prometheus.NewDesc(namespace+"_posts", "Posts by status.", []string{"status"}, nil)
	descTasks      = prometheus.NewDesc(namespace+"_tasks", "Tasks by status.", []string{"status"}, nil)
	descDeviceUse  = prometheus.NewDesc(namespace+"_device_slots_in_use", "Device slots taken.", []string{"device", "status"}, nil)
	descDeviceCap  = prometheus.NewDesc(namespace+"_device_capacity", "Device slot capacity.", []string{"device"}, nil)
	descCircuit    = prometheus.NewDesc(namespace+"_bot_circuit_open", "1 while the bot's failure circuit is open.", []string{"bot", "platform"}, nil)
	descDropped    = prometheus.NewDesc(namespace+"_events_dropped", "Events dropped by slow subscribers.", nil, nil)
	descScrapeErr  = prometheus.NewDesc(namespace+"_stats_error", "1 when the last stats snapshot failed.", nil, nil)
)

type statsCollector struct {
	stats   StatsFunc
	timeout time.Duration
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descUp, descWorkers, descInFlight, descQueueDepth, descDueNow,
		descPosts, descTasks, descDeviceUse, descDeviceCap, descCircuit, descDropped, descScrapeErr} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	s, err := c.stats(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(descScrapeErr, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(descScrapeErr, prometheus.GaugeValue, 0)

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	up := 0.0
	if s.Running {
		up = 1
	}
	gauge(descUp, up)
	gauge(descWorkers, float64(s.Workers))
	gauge(descInFlight, float64(s.InFlight))
	gauge(descQueueDepth, float64(s.QueueDepth))
	gauge(descDueNow, float64(s.DueNow))
	gauge(descDropped, float64(s.EventsDropped))
	for status, n := range s.Posts {
		gauge(descPosts, float64(n), string(status))
	}
	for status, n := range s.Tasks {
		gauge(descTasks, float64(n), string(status))
	}
	for _, d := range s.Devices {
		gauge(descDeviceUse, float64(d.InUse), d.ID, string(d.Status))
		gauge(descDeviceCap, float64(d.Capacity), d.ID)
	}
	for _, b := range s.Bots {
		open := 0.0
		if b.CircuitOpen {
			open = 1
		}
		gauge(descCircuit, open, b.ID, string(b.Platform))
	}
}
