// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"container/list"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/pqmail/internal/instrument"
)

const keepAliveInterval = 3 * time.Minute

type listener struct {
	sync.Mutex
	worker.Worker

	gw  *Server
	log *logging.Logger

	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

func (l *listener) Halt() {
	// Signal the shutdown before closing the listener so that worker()
	// can tell a halt from a fatal accept failure.
	close(l.closeAllCh)
	l.l.Close()
	l.Worker.Halt()

	// Tear down all sessions belonging to the listener and wait for
	// their workers to finish.
	l.Lock()
	for e := l.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*session).teardown()
	}
	l.Unlock()
	l.closeAllWg.Wait()
}

func (l *listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				select {
				case <-l.closeAllCh:
					// Halt in progress, not a failure.
				default:
					l.log.Errorf("Critical accept failure: %v", err)
					l.gw.fatalError(err)
				}
				return
			}
			continue
		}

		tcpConn, ok := conn.(*net.TCPConn)
		if ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(keepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())

		l.onNewConn(conn)
	}

	// NOTREACHED
}

func (l *listener) onNewConn(conn net.Conn) {
	instrument.ConnectionAccepted()
	s := newSession(l, conn)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go s.worker()
	}()
	s.e = l.conns.PushFront(s)
}

func (l *listener) onClosedSession(s *session) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(s.e)
}

// newListener creates the relay listener and starts accepting.
func newListener(gw *Server) (*listener, error) {
	var err error

	l := &listener{
		gw:         gw,
		log:        gw.logBackend.GetLogger("listener"),
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}
	l.l, err = net.Listen("tcp", gw.cfg.Gateway.Address)
	if err != nil {
		l.log.Errorf("Failed to start listener '%v': %v", gw.cfg.Gateway.Address, err)
		return nil, err
	}

	l.Go(l.worker)
	return l, nil
}
