package webhooks

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/n1ur0/off-the-grid/internal/metrics"
	"github.com/n1ur0/off-the-grid/internal/store"
)

const (
	DefaultDeliveryRetention = 30 * 24 * time.Hour
	DefaultJanitorSchedule   = "@hourly"
)

// Janitor periodically purges terminal deliveries past the retention period.
type Janitor struct {
	Store     store.Store
	Retention time.Duration
	Schedule  string
	Clock     clockwork.Clock
	Log       logrus.FieldLogger

	cron *cron.Cron
}

func NewJanitor(s store.Store, retention time.Duration, schedule string, clock clockwork.Clock, log logrus.FieldLogger) *Janitor {
	if retention <= 0 {
		retention = DefaultDeliveryRetention
	}
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Janitor{Store: s, Retention: retention, Schedule: schedule, Clock: clock, Log: log}
}

// RunOnce purges deliveries created before now minus the retention.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	cutoff := j.Clock.Now().Add(-j.Retention)
	n, err := j.Store.PurgeDeliveries(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.DeliveriesPurged.Add(float64(n))
	if n > 0 {
		j.Log.WithFields(logrus.Fields{"purged": n, "cutoff": cutoff.UTC().Format(time.RFC3339)}).Info("old deliveries purged")
	}
	return n, nil
}

// Start registers the purge on the cron schedule and starts the scheduler.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.Schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.Log.WithError(err).Warn("delivery purge failed")
		}
	}); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop waits for a running purge to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
