package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/merlab/mer-backend/pkg/models"
)

// JobCounter is the store query the collector needs
type JobCounter interface {
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// StoreCollector reads job counts from the store on every scrape
type StoreCollector struct {
	store     JobCounter
	startTime time.Time
	timeout   time.Duration

	jobs   *prometheus.Desc
	uptime *prometheus.Desc
	up     *prometheus.Desc
}

// NewStoreCollector creates a collector over the store
func NewStoreCollector(s JobCounter) *StoreCollector {
	return &StoreCollector{
		store:     s,
		startTime: time.Now(),
		timeout:   5 * time.Second,
		jobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "jobs"),
			"Number of jobs by status",
			[]string{"status"}, nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Time since the service started",
			nil, nil,
		),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "store_up"),
			"Whether the last store query succeeded",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobs
	ch <- c.uptime
	ch <- c.up
}

// Collect implements prometheus.Collector
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, time.Since(c.startTime).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.store.CountByStatus(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	// Report every status so absent ones read as zero rather than missing
	for _, status := range models.AllStatuses {
		ch <- prometheus.MustNewConstMetric(c.jobs, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
