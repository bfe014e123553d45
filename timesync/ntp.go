// Package timesync provides a ROS time provider corrected against an NTP
// server.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/edwinhayes/iiwastate/ros"
	modular "github.com/edwinhayes/logrus-modular"
	"github.com/pkg/errors"
)

type queryFunc func(host string) (time.Duration, error)

func queryNTP(host string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Timeout: 2 * time.Second})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// NTPProvider is a ros.TimeProvider returning the local wall clock shifted
// by the offset last measured against an NTP server. Until the first
// successful update the offset is zero.
type NTPProvider struct {
	host   string
	query  queryFunc
	now    func() time.Time
	logger modular.Logger

	mu       sync.RWMutex
	offset   time.Duration
	updated  time.Time
	failures int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNTPProvider returns a provider synchronizing against host. It logs
// through the timesync child of logger.
func NewNTPProvider(host string, logger modular.RootLogger) *NTPProvider {
	return &NTPProvider{
		host:   host,
		query:  queryNTP,
		now:    time.Now,
		logger: ros.ModuleLogger(logger, "timesync").WithField("server", host),
	}
}

// UpdateTime measures the clock offset once.
func (p *NTPProvider) UpdateTime() error {
	offset, err := p.query(p.host)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.failures++
		return errors.Wrapf(err, "querying %s", p.host)
	}
	p.offset = offset
	p.updated = p.now()
	return nil
}

// StartPeriodicUpdates updates the offset immediately and then every
// interval until ctx ends or Stop is called. It does not block. Failed
// updates are logged and the last offset is kept.
func (p *NTPProvider) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for first := true; ; first = false {
			if err := p.UpdateTime(); err != nil {
				if first {
					p.logger.WithError(err).Warn("initial NTP update failed")
				} else {
					p.logger.WithError(err).Debug("NTP update failed")
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	p.logger.Infof("NTP updates every %s", interval)
}

// Stop ends periodic updates and waits for the updater to exit.
func (p *NTPProvider) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Offset is the last measured difference between the server and local
// clocks.
func (p *NTPProvider) Offset() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offset
}

// Failures counts failed updates.
func (p *NTPProvider) Failures() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failures
}

func (p *NTPProvider) CurrentTime() ros.Time {
	return ros.TimeFromGo(p.now().Add(p.Offset()))
}
