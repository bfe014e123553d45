package timesync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edwinhayes/iiwastate/ros"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestCurrentTimeAppliesOffset(t *testing.T) {
	p := NewNTPProvider("pool.ntp.org", nil)
	fixed := time.Unix(1000, 0)
	p.now = func() time.Time { return fixed }
	p.query = func(string) (time.Duration, error) { return 1500 * time.Millisecond, nil }

	assert.Equal(t, ros.NewTime(1000, 0), p.CurrentTime())
	require.NoError(t, p.UpdateTime())
	assert.Equal(t, 1500*time.Millisecond, p.Offset())
	assert.Equal(t, ros.NewTime(1001, 500000000), p.CurrentTime())
}

func TestFailedUpdateKeepsOffset(t *testing.T) {
	p := NewNTPProvider("pool.ntp.org", nil)
	p.query = func(string) (time.Duration, error) { return time.Second, nil }
	require.NoError(t, p.UpdateTime())

	p.query = func(string) (time.Duration, error) { return 0, errors.New("timeout") }
	assert.Error(t, p.UpdateTime())
	assert.Equal(t, time.Second, p.Offset())
	assert.Equal(t, 1, p.Failures())
}

func TestPeriodicUpdates(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	p := NewNTPProvider("pool.ntp.org", nil)
	var queries atomic.Int32
	p.query = func(string) (time.Duration, error) {
		queries.Add(1)
		return 0, nil
	}

	p.StartPeriodicUpdates(context.Background(), 5*time.Millisecond)
	p.StartPeriodicUpdates(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool { return queries.Load() >= 3 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()

	n := queries.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, queries.Load())
}

func TestPeriodicUpdatesStartImmediately(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	logger, hook := logtest.NewNullLogger()
	root, err := ros.NewRootLogger(logger, "info")
	require.NoError(t, err)
	p := NewNTPProvider("pool.ntp.org", root)
	var queries atomic.Int32
	p.query = func(string) (time.Duration, error) {
		queries.Add(1)
		return 0, errors.New("timeout")
	}

	p.StartPeriodicUpdates(context.Background(), time.Hour)
	require.Eventually(t, func() bool { return queries.Load() == 1 }, time.Second, time.Millisecond)
	p.Stop()

	var warned bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "initial NTP update failed" {
			warned = true
			assert.Equal(t, "timesync", entry.Data["module"])
			assert.Equal(t, "pool.ntp.org", entry.Data["server"])
		}
	}
	assert.True(t, warned)
}
