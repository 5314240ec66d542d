package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/CynicalPhantom/socket-transfer/pkg/balancer"
)

// heartbeat walks a schedule of millisecond delays: every entry but the
// last is a one-shot warm-up delay, the last repeats as a periodic tick.
type heartbeat struct {
	mu   sync.Mutex
	stop chan struct{}
}

func (h *heartbeat) schedule(values []int, fire func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		close(h.stop)
	}
	stop := make(chan struct{})
	h.stop = stop
	go walk(values, fire, stop)
}

func (h *heartbeat) halt() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
}

func walk(values []int, fire func(), stop chan struct{}) {
	rest := values
	for len(rest) > 1 {
		timer := time.NewTimer(time.Duration(rest[0]) * time.Millisecond)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
		go fire()
		rest = rest[1:]
	}

	tick := time.NewTicker(time.Duration(rest[0]) * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			go fire()
		}
	}
}

// SetHeartBeat validates and installs a new schedule. Every entry must be
// no less than 5; an invalid schedule is rejected and the running timer is
// left untouched.
func (t *Transfer) SetHeartBeat(values []int) error {
	if err := validateHeartbeat(values); err != nil {
		return err
	}
	t.hb.schedule(values, t.runHealthCheck)
	return nil
}

// StopHealthCheck cancels the heartbeat timer. Targets stay as they are.
func (t *Transfer) StopHealthCheck() {
	t.hb.halt()
}

// HealthCheck probes the whole target set now, on the calling goroutine.
// When a scan is already running it returns without probing.
func (t *Transfer) HealthCheck() {
	t.runHealthCheck()
}

// runHealthCheck is the two-pass scan: probe every target concurrently,
// then re-probe only the failures once more. Targets failing both passes
// are reported through health:check:failed, so a transient flap never
// surfaces. A tick landing while a scan is still running is dropped.
func (t *Transfer) runHealthCheck() {
	if !t.scanning.CompareAndSwap(false, true) {
		log.Debug().Msg("health check tick dropped, scan still running")
		return
	}
	defer t.scanning.Store(false)

	subset := t.bal.Snapshot()
	if len(subset) == 0 {
		return
	}

	started := time.Now()
	var failed []balancer.Target
	err := retry.Do(
		func() error {
			res, scanErr := t.scan(subset)
			if scanErr != nil {
				return retry.Unrecoverable(scanErr)
			}
			failed = res
			if len(failed) > 0 {
				subset = failed
				return errTargetsFailed
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	t.metrics.Duration("health.scan", time.Since(started))

	switch {
	case err == nil:
		t.metrics.Gauge("health.failed", 0)
	case errors.Is(err, errTargetsFailed):
		t.metrics.Gauge("health.failed", len(failed))
		log.Warn().Msgf("health check failed for %d of %d targets", len(failed), len(t.bal.Snapshot()))
		t.emit(EventHealthCheckFailed, failed)
	default:
		log.Error().Err(err).Msg("health check scan error")
		t.emit(EventHealthCheckError, err)
	}
}

// scan probes targets concurrently and waits for every in-flight probe
// before reporting the failed subset in registry order. A checker error
// abandons the whole scan.
func (t *Transfer) scan(targets []balancer.Target) ([]balancer.Target, error) {
	verdicts := make([]bool, len(targets))
	errs := make([]error, len(targets))

	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg balancer.Target) {
			defer wg.Done()
			verdicts[i], errs[i] = t.checker.Check(context.Background(), loopbackV4, tg.ID)
		}(i, tg)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	var failed []balancer.Target
	for i, ok := range verdicts {
		if !ok {
			failed = append(failed, targets[i])
		}
	}
	return failed, nil
}
