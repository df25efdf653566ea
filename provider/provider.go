// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package provider supplies the gateway's swappable cryptographic
// capabilities: message signing and the TLS negotiation policy.  Nothing
// outside this package names a concrete algorithm.
package provider

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/katzenpost/katzenpost/core/utils"

	"github.com/katzenpost/pqmail/config"
)

// SignatureRecord is the output of a signing operation.  It is immutable
// after creation and shared between the stream interceptor and the receipt
// dispatcher.
type SignatureRecord struct {
	// Algorithm is the signature scheme name as registered with hpqc.
	Algorithm string

	// Fingerprint is the message digest the signature covers.
	Fingerprint []byte

	// Signature is the raw signature bytes.
	Signature []byte
}

// HeaderAlgorithmID returns the Algorithm mangled into a form that is safe
// to embed in a message header token.
func (r *SignatureRecord) HeaderAlgorithmID() string {
	id := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-':
		default:
			return '-'
		}
		return c
	}, r.Algorithm)
	return strings.Trim(id, "-")
}

// TransportPolicy is the prioritized transport security parameter set the
// session negotiator builds its TLS configuration from.
type TransportPolicy struct {
	// KeyExchanges is the prioritized key exchange group list.
	KeyExchanges []tls.CurveID

	// KeyExchangeNames are the canonical names of KeyExchanges, in the
	// same order, for the status endpoint.
	KeyExchangeNames []string

	// CipherSuites are the permitted TLS 1.2 cipher suites.
	CipherSuites []uint16

	// MinVersion is the minimum permitted TLS version.
	MinVersion uint16
}

// Provider is the capability interface the relay depends on.  The relay
// must not branch on which implementation is active.
type Provider interface {
	// Sign signs message and returns the SignatureRecord.  It is
	// synchronous and must be fast enough for the relay hot path.
	Sign(message []byte) (*SignatureRecord, error)

	// TransportPolicy returns the session negotiation parameters.
	TransportPolicy() *TransportPolicy

	// Algorithm returns the active signature scheme name.
	Algorithm() string

	// PublicKey returns the signing public key.
	PublicKey() sign.PublicKey
}

var curvesByName = map[string]tls.CurveID{
	"X25519MLKEM768": tls.X25519MLKEM768,
	"X25519":         tls.X25519,
	"P256":           tls.CurveP256,
	"P384":           tls.CurveP384,
	"P521":           tls.CurveP521,
}

// Signer is the hpqc backed Provider.
type Signer struct {
	scheme sign.Scheme
	pub    sign.PublicKey
	priv   sign.PrivateKey
	policy *TransportPolicy
}

// Sign implements Provider.
func (s *Signer) Sign(message []byte) (*SignatureRecord, error) {
	fp := hash.Sum256(message)
	return &SignatureRecord{
		Algorithm:   s.scheme.Name(),
		Fingerprint: fp[:],
		Signature:   s.scheme.Sign(s.priv, message, nil),
	}, nil
}

// TransportPolicy implements Provider.
func (s *Signer) TransportPolicy() *TransportPolicy {
	return s.policy
}

// Algorithm implements Provider.
func (s *Signer) Algorithm() string {
	return s.scheme.Name()
}

// PublicKey implements Provider.
func (s *Signer) PublicKey() sign.PublicKey {
	return s.pub
}

// Verify checks sig over message against the Signer's public key.
func (s *Signer) Verify(message, sig []byte) bool {
	return s.scheme.Verify(s.pub, message, sig, nil)
}

func newPolicy(keyExchanges []string) (*TransportPolicy, error) {
	p := &TransportPolicy{
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		},
		MinVersion: tls.VersionTLS12,
	}
	for _, name := range keyExchanges {
		id, ok := curvesByName[strings.ToUpper(name)]
		if !ok {
			return nil, fmt.Errorf("provider: unsupported key exchange: '%v'", name)
		}
		p.KeyExchanges = append(p.KeyExchanges, id)
		p.KeyExchangeNames = append(p.KeyExchangeNames, strings.ToUpper(name))
	}
	return p, nil
}

func loadOrGenerateKey(scheme sign.Scheme, dataDir string) (sign.PublicKey, sign.PrivateKey, error) {
	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	if dataDir == "" {
		// Ephemeral keys, nothing to persist.
		return pub, priv, nil
	}

	privFile := filepath.Join(dataDir, "signing.private.pem")
	pubFile := filepath.Join(dataDir, "signing.public.pem")
	if utils.BothExists(privFile, pubFile) {
		priv, err = signpem.FromPrivatePEMFile(privFile, scheme)
		if err != nil {
			return nil, nil, err
		}
		pub, err = signpem.FromPublicPEMFile(pubFile, scheme)
		if err != nil {
			return nil, nil, err
		}
	} else if utils.BothNotExists(privFile, pubFile) {
		if err = signpem.PrivateKeyToFile(privFile, priv); err != nil {
			return nil, nil, err
		}
		if err = signpem.PublicKeyToFile(pubFile, pub); err != nil {
			return nil, nil, err
		}
	} else {
		return nil, nil, fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}
	return pub, priv, nil
}

// New constructs a Signer from the Crypto configuration section.
func New(cfg *config.Crypto) (*Signer, error) {
	scheme := signSchemes.ByName(cfg.SignatureScheme)
	if scheme == nil {
		return nil, fmt.Errorf("provider: unknown signature scheme: '%v'", cfg.SignatureScheme)
	}
	policy, err := newPolicy(cfg.KeyExchanges)
	if err != nil {
		return nil, err
	}
	pub, priv, err := loadOrGenerateKey(scheme, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("provider: failed to initialize signing key: %v", err)
	}
	return &Signer{
		scheme: scheme,
		pub:    pub,
		priv:   priv,
		policy: policy,
	}, nil
}
