// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/pqmail/intercept"
	"github.com/katzenpost/pqmail/internal/instrument"
	"github.com/katzenpost/pqmail/provider"
)

var sessionID uint64

// Session lifecycle states.
const (
	stateAccepted uint32 = iota
	stateNegotiating
	stateRelaying
	stateClosing
	stateClosed
)

// session owns one relayed connection: the secured client socket, the
// backend socket, and the two concurrent copy directions between them.
// Either direction ending tears both down, so no half open connection is
// ever leaked.
type session struct {
	l   *listener
	log *logging.Logger

	clientConn  net.Conn // As accepted, pre negotiation.
	conn        net.Conn // Post negotiation duplex stream.
	backendConn net.Conn

	e  *list.Element
	id uint64

	state uint32

	// connLock guards the conn fields and closed, so a teardown racing
	// the negotiate/dial phase can never strand a socket.
	connLock sync.Mutex
	closed   bool
}

func newSession(l *listener, conn net.Conn) *session {
	id := atomic.AddUint64(&sessionID, 1)
	return &session{
		l:          l,
		log:        l.gw.logBackend.GetLogger(fmt.Sprintf("session:%d", id)),
		clientConn: conn,
		id:         id,
		state:      stateAccepted,
	}
}

func (s *session) setState(state uint32) {
	atomic.StoreUint32(&s.state, state)
}

func (s *session) worker() {
	defer func() {
		s.teardown()
		s.setState(stateClosed)
		s.l.onClosedSession(s)
		s.log.Debugf("Session closed")
	}()

	s.setState(stateNegotiating)
	conn, err := s.l.gw.negotiator.Secure(s.clientConn)
	if err != nil {
		instrument.HandshakeFailure()
		s.log.Debugf("%v", err)
		return
	}
	if !s.registerConn(conn) {
		return
	}

	gCfg := s.l.gw.cfg.Gateway
	backend, err := net.DialTimeout("tcp", gCfg.BackendAddress, time.Duration(gCfg.ConnectTimeout)*time.Millisecond)
	if err != nil {
		instrument.BackendDialFailure()
		s.log.Errorf("%v", &BackendUnreachableError{Addr: gCfg.BackendAddress, Err: err})
		return
	}
	if !s.registerBackend(backend) {
		return
	}

	s.setState(stateRelaying)
	instrument.SessionStarted()
	defer instrument.SessionEnded()
	s.log.Debugf("Relaying %v <-> %v", s.clientConn.RemoteAddr(), gCfg.BackendAddress)

	cCfg := s.l.gw.cfg.Crypto
	tr := intercept.New(s.l.gw.signer, s.dispatch, cCfg.AnchorHeader, cCfg.SignatureHeader, s.log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.clientToBackend(tr)
	}()
	go func() {
		defer wg.Done()
		s.backendToClient()
	}()
	wg.Wait()
}

// dispatch hands an injected signature off to the receipt dispatcher.
// Called inline from the transform; must not block.
func (s *session) dispatch(rec *provider.SignatureRecord, signed []byte) {
	instrument.SignatureInjected()
	s.log.Debugf("Injected %s signature, fingerprint %x", rec.Algorithm, rec.Fingerprint)
	s.l.gw.dispatcher.Report(rec, signed)
}

func (s *session) clientToBackend(tr *intercept.Transform) {
	defer s.teardown()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, werr := s.backendConn.Write(tr.Apply(buf[:n])); werr != nil {
				s.logStreamErr("client->backend", werr)
				return
			}
			instrument.RelayedBytes("client_to_backend", int64(n))
		}
		if err != nil {
			if err == io.EOF {
				if tail := tr.Flush(); len(tail) > 0 {
					if _, werr := s.backendConn.Write(tail); werr != nil {
						s.logStreamErr("client->backend", werr)
					}
				}
			} else {
				s.logStreamErr("client->backend", err)
			}
			return
		}
	}
}

func (s *session) backendToClient() {
	defer s.teardown()

	n, err := io.Copy(s.conn, s.backendConn)
	instrument.RelayedBytes("backend_to_client", n)
	if err != nil {
		s.logStreamErr("backend->client", err)
	}
}

func (s *session) logStreamErr(direction string, err error) {
	// The other direction's teardown manifests here as a closed
	// connection, which is the normal end of a relay.
	if errors.Is(err, net.ErrClosed) {
		return
	}
	s.log.Debugf("%v", &StreamError{Direction: direction, Err: err})
}

// registerConn publishes the negotiated duplex stream.  If the session was
// torn down while negotiating, the stream is closed instead and false is
// returned.
func (s *session) registerConn(conn net.Conn) bool {
	s.connLock.Lock()
	if s.closed {
		s.connLock.Unlock()
		conn.Close()
		return false
	}
	s.conn = conn
	s.connLock.Unlock()
	return true
}

// registerBackend publishes the backend socket.  If the session was torn
// down while dialing, the socket is closed instead and false is returned.
func (s *session) registerBackend(conn net.Conn) bool {
	s.connLock.Lock()
	if s.closed {
		s.connLock.Unlock()
		conn.Close()
		return false
	}
	s.backendConn = conn
	s.connLock.Unlock()
	return true
}

// teardown closes both endpoints.  Closing either side unblocks the other
// copy direction promptly; it is safe to call from any goroutine, any
// number of times.
func (s *session) teardown() {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.setState(stateClosing)
	if s.conn != nil {
		s.conn.Close()
	} else {
		s.clientConn.Close()
	}
	if s.backendConn != nil {
		s.backendConn.Close()
	}
}
