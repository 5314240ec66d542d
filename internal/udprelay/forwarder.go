// Package udprelay forwards datagrams from a locally bound UDP socket to
// one fixed upstream endpoint and relays the replies back to the original
// sender. Reply routing uses a per-sender connection table so concurrent
// local clients do not see each other's answers.
package udprelay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// bufSize fits the largest possible UDP payload.
	bufSize = 65507

	// connTimeout is how long a tracked upstream socket survives without a
	// reply from upstream; datagrams sent towards upstream do not extend it.
	connTimeout = 90 * time.Second
)

// Handle is the teardown surface the owner keeps. End is best-effort: it
// never reports a failure to the caller.
type Handle interface {
	End()
}

// CreateFunc builds one forwarder. The concrete implementation is
// replaceable behind this signature.
type CreateFunc func(upstreamPort int, upstreamAddr string, opts Options) (Handle, error)

type Options struct {
	ListenAddr string
	ListenPort int
}

// A net.UDPAddr squashed into a comparable map key.
type senderKey struct {
	ipHigh uint64
	ipLow  uint64
	port   int
}

func newSenderKey(addr *net.UDPAddr) senderKey {
	ip := addr.IP
	if v4 := ip.To4(); v4 != nil {
		return senderKey{
			ipLow: uint64(binary.BigEndian.Uint32(v4)),
			port:  addr.Port,
		}
	}
	return senderKey{
		ipHigh: binary.BigEndian.Uint64(ip[:8]),
		ipLow:  binary.BigEndian.Uint64(ip[8:]),
		port:   addr.Port,
	}
}

type Forwarder struct {
	listener     *net.UDPConn
	upstreamAddr *net.UDPAddr

	mu    sync.Mutex
	track map[senderKey]*net.UDPConn
	ended bool
}

// New binds opts.ListenAddr:opts.ListenPort and starts the forwarding loop.
func New(upstreamPort int, upstreamAddr string, opts Options) (Handle, error) {
	upstream, err := net.ResolveUDPAddr("udp", net.JoinHostPort(upstreamAddr, strconv.Itoa(upstreamPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve udp upstream: %w", err)
	}
	local, err := net.ResolveUDPAddr("udp", net.JoinHostPort(opts.ListenAddr, strconv.Itoa(opts.ListenPort)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve udp bind address: %w", err)
	}
	listener, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp forwarder on %s: %w", local, err)
	}
	f := &Forwarder{
		listener:     listener,
		upstreamAddr: upstream,
		track:        make(map[senderKey]*net.UDPConn),
	}
	go f.run()
	return f, nil
}

func (f *Forwarder) run() {
	buf := make([]byte, bufSize)
	for {
		n, from, err := f.listener.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Msgf("udprelay: stop forwarding on %s", f.listener.LocalAddr())
			}
			return
		}

		key := newSenderKey(from)
		f.mu.Lock()
		upstream, hit := f.track[key]
		if !hit {
			upstream, err = net.DialUDP("udp", nil, f.upstreamAddr)
			if err != nil {
				f.mu.Unlock()
				log.Warn().Err(err).Msgf("udprelay: can't reach upstream %s", f.upstreamAddr)
				continue
			}
			f.track[key] = upstream
			go f.replyLoop(upstream, from, key)
		}
		f.mu.Unlock()

		upstream.SetWriteDeadline(time.Now().Add(connTimeout))
		if _, err := upstream.Write(buf[:n]); err != nil {
			log.Warn().Err(err).Msgf("udprelay: can't forward datagram to %s", f.upstreamAddr)
		}
	}
}

// replyLoop pumps upstream answers back to the sender the socket was
// created for, then retires the tracked socket.
func (f *Forwarder) replyLoop(upstream *net.UDPConn, sender *net.UDPAddr, key senderKey) {
	defer func() {
		f.mu.Lock()
		delete(f.track, key)
		f.mu.Unlock()
		upstream.Close()
	}()

	buf := make([]byte, bufSize)
	for {
		upstream.SetReadDeadline(time.Now().Add(connTimeout))
		n, err := upstream.Read(buf)
		if err != nil {
			return
		}
		if _, err := f.listener.WriteToUDP(buf[:n], sender); err != nil {
			return
		}
	}
}

// End closes the local socket and every tracked upstream socket. Errors are
// swallowed, teardown is best-effort.
func (f *Forwarder) End() {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	conns := make([]*net.UDPConn, 0, len(f.track))
	for _, c := range f.track {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	_ = f.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
}

// LocalPort reports the bound port, useful when ListenPort was 0.
func (f *Forwarder) LocalPort() int {
	return f.listener.LocalAddr().(*net.UDPAddr).Port
}
