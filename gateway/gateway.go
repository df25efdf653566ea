// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package gateway implements the pqmail relay: it accepts (hybrid post
// quantum) TLS sessions from mail clients, streams them to a backend MTA,
// injects a signature header once per session, and reports receipts to an
// external ledger off the relay path.
package gateway

import (
	"net"
	"os"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/pqmail/config"
	"github.com/katzenpost/pqmail/provider"
	"github.com/katzenpost/pqmail/receipts"
)

// Server is the relay instance.
type Server struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	signer     provider.Provider
	negotiator *negotiator
	dispatcher *receipts.Dispatcher
	listener   *listener
	status     *statusServer

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

// New returns a new Server instance parameterized with the specified
// configuration.  The only process fatal failures are the two socket
// binds; everything else degrades per connection.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring online the logging.  Disabled
	// logging is done by pointing the backend at the null device rather
	// than the log package's discard writer, which does not survive a
	// write.
	logFile := cfg.Logging.File
	if cfg.Logging.Disable {
		logFile = os.DevNull
	}
	var err error
	if s.logBackend, err = log.New(logFile, cfg.Logging.Level, false); err != nil {
		return nil, err
	}
	s.log = s.logBackend.GetLogger("gateway")

	s.log.Noticef("Backend MTA is: %v", cfg.Gateway.BackendAddress)

	// Initialize the cryptographic provider and the transport
	// negotiator.  The relay never names an algorithm itself.
	signer, err := provider.New(cfg.Crypto)
	if err != nil {
		s.log.Errorf("Failed to initialize cryptographic provider: %v", err)
		return nil, err
	}
	s.signer = signer
	s.negotiator = newNegotiator(cfg, signer.TransportPolicy(), s.logBackend)
	s.log.Noticef("Transport security mode: %v", s.negotiator.Mode())
	s.log.Noticef("Message signature scheme: %v", s.signer.Algorithm())

	s.dispatcher = receipts.New(cfg.Receipts, s.logBackend)

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.status, err = newStatusServer(s); err != nil {
		return nil, err
	}
	if s.listener, err = newListener(s); err != nil {
		return nil, err
	}

	isOk = true
	return s, nil
}

// ListenerAddr returns the address the relay listener is bound to.
func (s *Server) ListenerAddr() net.Addr {
	return s.listener.l.Addr()
}

// StatusAddr returns the address the status endpoint is bound to.
func (s *Server) StatusAddr() net.Addr {
	return s.status.l.Addr()
}

// fatalError signals a subsystem failure the gateway cannot survive.  It
// never blocks: if a shutdown is already in flight the error is dropped.
func (s *Server) fatalError(err error) {
	select {
	case s.fatalErrCh <- err:
	default:
	}
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}
	if s.status != nil {
		s.status.Halt()
		s.status = nil
	}
	if s.dispatcher != nil {
		s.dispatcher.Halt()
		s.dispatcher = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}
