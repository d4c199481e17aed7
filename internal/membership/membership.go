// Package membership is the Keepalive & Membership component (C5): it
// registers a conductor on startup, periodically touches its heartbeat row,
// and deregisters on shutdown. It runs on a timer goroutine independent of
// request handling and never acquires exclusive node locks.
package membership

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	gometrics "github.com/hashicorp/go-metrics"

	"github.com/ironfleet/conductor/internal/driver"
	"github.com/ironfleet/conductor/internal/gateway"
	"github.com/ironfleet/conductor/internal/structs"
)

// Keepalive owns the registration lifecycle for one conductor process.
type Keepalive struct {
	gw       *gateway.Gateway
	registry *driver.Registry
	hostname string
	interval time.Duration
	logger   hclog.Logger
	metrics  *gometrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Keepalive for hostname, heartbeating every interval.
// interval must be smaller than the fleet's max_time_interval (spec.md §6)
// or peers will flap this conductor's liveness between heartbeats.
func New(gw *gateway.Gateway, registry *driver.Registry, hostname string, interval time.Duration, logger hclog.Logger, metrics *gometrics.Metrics) *Keepalive {
	if metrics == nil {
		metrics = gometrics.Default()
	}
	return &Keepalive{
		gw:       gw,
		registry: registry,
		hostname: hostname,
		interval: interval,
		logger:   logger.Named("membership"),
		metrics:  metrics,
	}
}

// Start registers the conductor, overwriting any stale driver list left
// behind by a previous run under the same hostname (the
// ConductorAlreadyRegistered re-registration path in spec.md §4.5), then
// launches the periodic heartbeat goroutine.
func (k *Keepalive) Start(ctx context.Context) error {
	drivers := k.registry.Names()

	_, err := k.gw.RegisterConductor(k.hostname, drivers)
	if err != nil {
		if _, ok := err.(*structs.ConductorAlreadyRegistered); ok {
			if uErr := k.gw.UnregisterConductor(k.hostname); uErr != nil {
				return uErr
			}
			if _, rErr := k.gw.RegisterConductor(k.hostname, drivers); rErr != nil {
				return rErr
			}
		} else {
			return err
		}
	}
	k.metrics.IncrCounter([]string{"conductor", "register"}, 1)

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.run(runCtx)
	return nil
}

func (k *Keepalive) run(ctx context.Context) {
	defer close(k.done)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.gw.TouchConductor(k.hostname); err != nil {
				k.logger.Error("failed to touch conductor heartbeat", "hostname", k.hostname, "error", err)
				continue
			}
			k.metrics.IncrCounter([]string{"conductor", "heartbeat"}, 1)
		}
	}
}

// Stop cancels the heartbeat goroutine and deregisters the conductor.
func (k *Keepalive) Stop() error {
	if k.cancel != nil {
		k.cancel()
		<-k.done
	}
	return k.gw.UnregisterConductor(k.hostname)
}
