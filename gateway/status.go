// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/worker"
)

// statusServer reports liveness and the active crypto configuration.  It
// is read only: everything it serves is either static or immutable after
// startup.  There is no authentication, this is a demo grade surface.
type statusServer struct {
	worker.Worker

	gw  *Server
	log *logging.Logger

	l   net.Listener
	srv *http.Server
}

func (s *statusServer) Halt() {
	s.srv.Close()
	s.Worker.Halt()
}

func (s *statusServer) worker() {
	s.log.Noticef("Status endpoint listening on: %v", s.l.Addr())
	if err := s.srv.Serve(s.l); err != http.ErrServerClosed {
		s.log.Errorf("Status endpoint failure: %v", err)
		s.gw.fatalError(err)
	}
}

func (s *statusServer) healthHandler(w http.ResponseWriter, req *http.Request) {
	policy := s.gw.signer.TransportPolicy()
	fmt.Fprintf(w, "status: ok\n")
	fmt.Fprintf(w, "version: %s\n", versioninfo.Short())
	fmt.Fprintf(w, "transport_mode: %s\n", s.gw.negotiator.Mode())
	fmt.Fprintf(w, "key_exchanges: %s\n", strings.Join(policy.KeyExchangeNames, ","))
	fmt.Fprintf(w, "signature_scheme: %s\n", s.gw.signer.Algorithm())
}

func newStatusServer(gw *Server) (*statusServer, error) {
	s := &statusServer{
		gw:  gw,
		log: gw.logBackend.GetLogger("status"),
	}

	var err error
	s.l, err = net.Listen("tcp", gw.cfg.Status.Address)
	if err != nil {
		s.log.Errorf("Failed to start status endpoint '%v': %v", gw.cfg.Status.Address, err)
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	s.srv = &http.Server{Handler: mux}

	s.Go(s.worker)
	return s, nil
}
