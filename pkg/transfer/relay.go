package transfer

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog/log"
)

func (t *Transfer) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("listener closed, stop accepting")
				return
			}
			t.emit(EventTransferError, err)
			log.Error().Err(err).Msg("accept error")
			if werr := t.acceptLimiter.Wait(context.Background()); werr != nil {
				return
			}
			continue
		}
		go t.handleConn(conn)
	}
}

func (t *Transfer) handleConn(client net.Conn) {
	sid, _ := uuid.GenerateUUID()

	target, ok := t.bal.PickOne()
	if !ok {
		t.emit(EventLoadBalancerError, errNoTarget)
		log.Warn().Msgf("session %s: %v", sid, errNoTarget)
		_, _ = client.Write([]byte(notReadyReply))
		client.Close()
		return
	}

	t.bal.OnOpen(target)
	remote, err := net.DialTimeout("tcp", t.targetAddr(target), dialTimeout)
	if err != nil {
		t.bal.OnClose(target)
		log.Error().Err(err).Msgf("session %s: can't reach target %d", sid, target.ID)
		client.Close()
		return
	}

	t.sessions.Add(1)
	t.metrics.Increment("transfer.sessions")
	log.Debug().Msgf("session %s: %s -> target %d", sid, client.RemoteAddr(), target.ID)

	fromClient, toClient := t.splice(sid, client, remote, target.ID)

	client.Close()
	remote.Close()
	t.bal.OnClose(target)

	moved := uint64(fromClient + toClient)
	t.bytesTransfer.Add(moved)
	t.metrics.Gauge("transfer.bytes", int(t.bytesTransfer.Load()))
	log.Debug().Msgf("session %s: done, %d bytes", sid, moved)
}

// splice pumps bytes both ways until each direction sees EOF or an error.
// Returns the client-side read and written byte counts. Half-close is
// propagated so an ended side drains the other.
func (t *Transfer) splice(sid string, client, remote net.Conn, targetPort int) (int64, int64) {
	done := make(chan int64, 1)
	go func() {
		n, err := io.Copy(remote, client)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			// Local-side errors are logged only; the error:server:local
			// event stays declared but unused.
			log.Debug().Err(err).Msgf("session %s: local socket error", sid)
		}
		if tc, ok := remote.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- n
	}()

	toClient, err := io.Copy(client, remote)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		// Same policy for error:server:remote.
		log.Debug().Err(err).Msgf("session %s: remote socket error on target %d", sid, targetPort)
	}
	if tc, ok := client.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	fromClient := <-done
	return fromClient, toClient
}
