// Package transfer implements the socket transfer core: a local TCP relay
// balancing client connections over a set of backend targets, a periodic
// health-check loop reporting targets that fail a handshake-aware probe, and
// a UDP forwarder pair bridging loopback datagrams to a fixed upstream.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/CynicalPhantom/socket-transfer/internal/events"
	"github.com/CynicalPhantom/socket-transfer/internal/metrics"
	"github.com/CynicalPhantom/socket-transfer/internal/udprelay"
	"github.com/CynicalPhantom/socket-transfer/pkg/balancer"
	"github.com/CynicalPhantom/socket-transfer/pkg/shadowcheck"
)

// Emitted event names. The error:health:heck spelling is load-bearing:
// subscribers match on the literal string.
const (
	EventLoadBalancerError = "error:loadbalancer"
	EventServerLocalError  = "error:server:local"
	EventServerRemoteError = "error:server:remote"
	EventTransferError     = "error:socket:transfer"
	EventHealthCheckError  = "error:health:heck"
	EventHealthCheckFailed = "health:check:failed"
)

const (
	defaultPort      = 1080
	defaultAddress   = "127.0.0.1"
	defaultBind      = "0.0.0.0"
	defaultHeartbeat = 300_000

	loopbackV4 = "127.0.0.1"
	loopbackV6 = "::1"

	// Reference upstream for the UDP forwarder pair.
	defaultUDPUpstreamAddr = "114.114.114.114"
	defaultUDPUpstreamPort = 53

	unlistenTimeout = 500 * time.Millisecond
	dialTimeout     = 10 * time.Second

	notReadyReply = "socket transfer not ready!"
)

// Checker is the handshake oracle consumed by the health loop. A false
// verdict covers refused, timed out and mismatched handshakes; the error
// return means the probe itself could not run.
type Checker interface {
	Check(ctx context.Context, address string, port int) (bool, error)
}

// UDPForwarder is the teardown handle of one forwarder socket.
type UDPForwarder interface {
	End()
}

type lifecycleState int32

const (
	stateInitialized lifecycleState = iota
	stateListening
	stateClosed
)

// Options configure a Transfer. Targets is required (an empty set is legal,
// the relay then refuses connections); everything else has a default.
type Options struct {
	Port      int
	Address   string
	Bind      string
	Strategy  balancer.Strategy
	Targets   []balancer.Target
	Heartbeat []int // milliseconds; prefix of one-shot delays, last entry repeats

	// UDPUpstreamAddr/Port override the fixed datagram upstream.
	UDPUpstreamAddr string
	UDPUpstreamPort int

	// Checker overrides the SOCKS handshake prober, Metrics the stats sink.
	Checker Checker
	Metrics metrics.Metrics
}

func (o *Options) normalize() error {
	if o.Targets == nil {
		return errors.New("targets option is required")
	}
	if o.Port == 0 {
		o.Port = defaultPort
	}
	if o.Address == "" {
		o.Address = defaultAddress
	}
	if o.Bind == "" {
		o.Bind = defaultBind
	}
	if o.Strategy == "" {
		o.Strategy = balancer.Polling
	}
	if len(o.Heartbeat) == 0 {
		o.Heartbeat = []int{defaultHeartbeat}
	}
	if err := validateHeartbeat(o.Heartbeat); err != nil {
		return err
	}
	if o.UDPUpstreamAddr == "" {
		o.UDPUpstreamAddr = defaultUDPUpstreamAddr
	}
	if o.UDPUpstreamPort == 0 {
		o.UDPUpstreamPort = defaultUDPUpstreamPort
	}
	if o.Checker == nil {
		o.Checker = shadowcheck.New(0)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
	return nil
}

// Transfer is the supervisor owning the relay, the balancer, the UDP
// forwarder pair and the health-check timer.
type Transfer struct {
	opts    Options
	bal     *balancer.Balancer
	checker Checker
	emitter *events.Emitter
	metrics metrics.Metrics

	mu       sync.Mutex
	state    lifecycleState
	listener net.Listener
	udp      []UDPForwarder

	udpCreate udprelay.CreateFunc

	acceptLimiter *rate.Limiter

	bytesTransfer atomic.Uint64
	sessions      atomic.Uint64
	speed         speedSampler

	hb heartbeat

	scanning atomic.Bool
}

// New builds the supervisor and its components. The UDP forwarder pair is
// started here; failures to bind it are logged and non-fatal.
func New(opts Options) (*Transfer, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	bal, err := balancer.New(opts.Strategy, opts.Targets)
	if err != nil {
		return nil, err
	}
	t := &Transfer{
		opts:          opts,
		bal:           bal,
		checker:       opts.Checker,
		emitter:       events.NewEmitter(),
		metrics:       opts.Metrics,
		udpCreate:     udprelay.New,
		acceptLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	}
	t.startUDPForwarders()
	t.hb.schedule(opts.Heartbeat, t.runHealthCheck)
	return t, nil
}

func (t *Transfer) startUDPForwarders() {
	for _, addr := range []string{loopbackV4, loopbackV6} {
		h, err := t.udpCreate(t.opts.UDPUpstreamPort, t.opts.UDPUpstreamAddr, udprelay.Options{
			ListenAddr: addr,
			ListenPort: t.opts.Port,
		})
		if err != nil {
			log.Warn().Err(err).Msgf("failed to start udp forwarder on %s", addr)
			continue
		}
		t.udp = append(t.udp, h)
	}
}

// Listen binds the TCP relay on the configured port, or on an explicit
// override when one is given (an override of 0 binds an ephemeral port).
// The bound port is returned.
func (t *Transfer) Listen(override ...int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != stateInitialized {
		return 0, ErrClosed
	}
	port := t.opts.Port
	if len(override) > 0 {
		port = override[0]
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(t.opts.Address, strconv.Itoa(port)))
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return 0, &PortInUseError{Port: port}
		}
		return 0, &StartFailureError{Err: err}
	}
	t.listener = ln
	t.state = stateListening
	bound := ln.Addr().(*net.TCPAddr).Port
	log.Info().Msgf("socket transfer listening on %s:%d", t.opts.Address, bound)
	go t.serve(ln)
	return bound, nil
}

// Unlisten closes the listener and ends both UDP sockets. In-flight relay
// sessions keep running; only new accepts stop. Bounded to 500ms,
// after which ErrUnlistenTimeout is returned as a value.
func (t *Transfer) Unlisten() error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil
	}
	ln := t.listener
	udp := t.udp
	t.listener = nil
	t.udp = nil
	t.state = stateClosed
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if ln != nil {
			if err := ln.Close(); err != nil {
				log.Debug().Err(err).Msg("listener close error")
			}
		}
		for _, h := range udp {
			h.End()
		}
	}()

	select {
	case <-done:
		return nil
	case <-time.After(unlistenTimeout):
		return ErrUnlistenTimeout
	}
}

// Stop cancels the health-check timer and then unlistens.
func (t *Transfer) Stop() error {
	t.StopHealthCheck()
	return t.Unlisten()
}

// On subscribes handler to the named event, Off drops every handler for it.
func (t *Transfer) On(event string, handler func(payload any)) {
	t.emitter.On(event, events.Handler(handler))
}

func (t *Transfer) Off(event string) {
	t.emitter.Off(event)
}

// GetTargets returns a copy of the current target set.
func (t *Transfer) GetTargets() []balancer.Target {
	return t.bal.Snapshot()
}

// SetTargets replaces the target set and reseats the balancer state.
func (t *Transfer) SetTargets(targets []balancer.Target) {
	t.bal.SetTargets(targets)
}

// PushTargets appends to the target set.
func (t *Transfer) PushTargets(targets ...balancer.Target) {
	t.bal.PushTargets(targets...)
}

// SetTargetsWithFilter retains only targets satisfying pred.
func (t *Transfer) SetTargetsWithFilter(pred func(balancer.Target) bool) {
	t.bal.Filter(pred)
}

func (t *Transfer) emit(event string, payload any) {
	t.emitter.Emit(event, payload)
}

func (t *Transfer) targetAddr(tg balancer.Target) string {
	return net.JoinHostPort(t.opts.Bind, strconv.Itoa(tg.ID))
}

func validateHeartbeat(values []int) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty schedule", ErrHeartbeatInvalid)
	}
	for _, v := range values {
		if v < 5 {
			return fmt.Errorf("%w: got %d", ErrHeartbeatInvalid, v)
		}
	}
	return nil
}
