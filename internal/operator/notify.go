// ABOUTME: Startup, shutdown and periodic statistics notifications
// ABOUTME: Notifications are ordinary messages handed to Receive so agents address them

package operator

import (
	"fmt"
	"time"

	"github.com/2389/emissary/internal/config"
	"github.com/2389/emissary/internal/message"
)

func (o *Operator) sendStartupNotification() {
	if !o.Enabled(FeatureStartup) {
		return
	}
	o.logger.Info("sending startup notification", "recipient", o.settings.Startup)
	o.notify("startup", o.settings.Startup)
}

func (o *Operator) sendShutdownNotification() {
	if !o.Enabled(FeatureShutdown) {
		return
	}
	o.logger.Info("sending shutdown notification", "recipient", o.settings.Shutdown)
	o.notify("shutdown", o.settings.Shutdown)
}

func (o *Operator) notify(method, recipient string) {
	msg := message.New(o.identity)
	msg.Agent = "emissary"
	msg.Method = method
	msg.Recipient = recipient
	if err := o.Receive(msg); err != nil {
		o.logger.Warn("notification not queued", "method", method, "error", err)
	}
}

// statsInterval is the configured interval or the hourly default.
func (o *Operator) statsInterval() time.Duration {
	if o.settings.Stats != nil && o.settings.Stats.Interval > 0 {
		return o.settings.Stats.Interval
	}
	return config.DefaultStatsInterval
}

func (o *Operator) startStats() {
	o.statsStop = make(chan struct{})
	o.statsDone = make(chan struct{})
	interval := o.statsInterval()

	go func() {
		defer close(o.statsDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.statsStop:
				return
			case <-ticker.C:
				o.reportStats(interval)
			}
		}
	}()
}

func (o *Operator) stopStats() {
	if o.statsStop == nil {
		return
	}
	close(o.statsStop)
	<-o.statsDone
	o.statsStop = nil
}

// reportStats logs throughput and pool occupancy, then asks the stats agent
// to gather host statistics when the feature is enabled.
func (o *Operator) reportStats(interval time.Duration) {
	rx := o.counters.ConsumeRx()
	tx := o.counters.ConsumeTx()
	secs := interval.Seconds()
	in, out := o.PoolStats()

	o.logger.Info("publisher occupancy", "tasks", out.Busy+out.Pending, "workers", out.Workers)
	o.logger.Info("dispatcher occupancy", "tasks", in.Busy+in.Pending, "workers", in.Workers)
	o.logger.Info("throughput",
		"interval", interval,
		"tx", tx,
		"tx_rate", fmt.Sprintf("%0.4f/sec", float64(tx)/secs),
		"rx", rx,
		"rx_rate", fmt.Sprintf("%0.4f/sec", float64(rx)/secs),
	)

	if !o.Enabled(FeatureStats) || o.shuttingDown.Load() {
		return
	}
	msg := message.New(o.identity)
	msg.Agent = "stats"
	msg.Method = "gather"
	if err := o.Receive(msg); err != nil {
		o.logger.Warn("stats gather not queued", "error", err)
	}
}
