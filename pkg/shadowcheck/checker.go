// Package shadowcheck probes whether a port is occupied by a live shadow
// proxy. Opening the TCP connection is not enough: an unrelated service
// squatting on the port must not count as alive, so the checker speaks the
// opening bytes of the SOCKS5 negotiation and verifies the reply.
package shadowcheck

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	socksVersion   = 0x05
	methodNoAuth   = 0x00
	DefaultTimeout = 3 * time.Second
)

type Checker struct {
	// Timeout bounds the whole probe: dial, greeting and reply.
	Timeout time.Duration
	dialer  net.Dialer
}

func New(timeout time.Duration) *Checker {
	if timeout <= 0 || timeout > DefaultTimeout {
		timeout = DefaultTimeout
	}
	return &Checker{
		Timeout: timeout,
		dialer: net.Dialer{
			KeepAlive: -1,
		},
	}
}

// Check reports whether a shadow proxy answers on address:port. Connection
// refused, probe timeout and a handshake mismatch all come back as a plain
// false verdict; the error return is reserved for the probe not being
// runnable at all (invalid port, canceled context).
func (c *Checker) Check(ctx context.Context, address string, port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid probe port: %d", port)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	deadline := time.Now().Add(c.Timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		log.Debug().Err(err).Msgf("shadowcheck: %s unreachable", addr)
		return false, nil
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return false, fmt.Errorf("failed to arm probe deadline: %w", err)
	}

	// Method negotiation: VER=5, one method, NO AUTH. A live proxy answers
	// VER=5, METHOD=0.
	if _, err := conn.Write([]byte{socksVersion, 0x01, methodNoAuth}); err != nil {
		log.Debug().Err(err).Msgf("shadowcheck: greeting to %s failed", addr)
		return false, nil
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		log.Debug().Err(err).Msgf("shadowcheck: no greeting reply from %s", addr)
		return false, nil
	}
	if reply[0] != socksVersion || reply[1] != methodNoAuth {
		log.Debug().Msgf("shadowcheck: %s answered %#x/%#x, not a shadow proxy", addr, reply[0], reply[1])
		return false, nil
	}
	return true, nil
}
