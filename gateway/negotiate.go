// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import (
	"crypto/tls"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/pqmail/config"
	"github.com/katzenpost/pqmail/provider"
)

// Transport security modes, as reported by the status endpoint.
const (
	ModeSecured  = "secured"
	ModeFallback = "fallback"
)

// negotiator establishes the per connection transport security session.
// The mode is decided once at startup: if the certificate material cannot
// be loaded the gateway runs every connection unsecured.  That is a
// deliberate demo grade degradation and is observable, never silent.
type negotiator struct {
	log *logging.Logger

	tlsConf          *tls.Config
	handshakeTimeout time.Duration
	mode             string
}

func newNegotiator(cfg *config.Config, policy *provider.TransportPolicy, logBackend *log.Backend) *negotiator {
	n := &negotiator{
		log:              logBackend.GetLogger("negotiator"),
		handshakeTimeout: time.Duration(cfg.Gateway.HandshakeTimeout) * time.Millisecond,
		mode:             ModeFallback,
	}
	cert, err := tls.LoadX509KeyPair(cfg.Crypto.TLSCertFile, cfg.Crypto.TLSKeyFile)
	if err != nil {
		e := &TransportError{Op: "certificate load", Err: err}
		n.log.Warningf("%v; degrading to unsecured relay mode", e)
		return n
	}
	// The negotiation parameters come exclusively from the provider's
	// policy, so the algorithm set is swappable via configuration.
	n.tlsConf = &tls.Config{
		Certificates:     []tls.Certificate{cert},
		CurvePreferences: policy.KeyExchanges,
		CipherSuites:     policy.CipherSuites,
		MinVersion:       policy.MinVersion,
	}
	n.mode = ModeSecured
	return n
}

// Mode returns the active transport security mode.
func (n *negotiator) Mode() string {
	return n.mode
}

// Secure wraps a freshly accepted socket in the negotiated transport
// session.  In fallback mode the socket is returned as is.
func (n *negotiator) Secure(conn net.Conn) (net.Conn, error) {
	if n.tlsConf == nil {
		return conn, nil
	}
	tc := tls.Server(conn, n.tlsConf)
	if n.handshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(n.handshakeTimeout))
	}
	if err := tc.Handshake(); err != nil {
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	conn.SetDeadline(time.Time{})
	return tc, nil
}
