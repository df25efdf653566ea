// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the pqmail gateway configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress          = ":2525"
	defaultBackendAddress   = "127.0.0.1:25"
	defaultStatusAddress    = ":8080"
	defaultLogLevel         = "NOTICE"
	defaultConnectTimeout   = 10 * 1000 // 10 sec.
	defaultHandshakeTimeout = 30 * 1000 // 30 sec.
	defaultReceiptQueue     = 64
	defaultReceiptWorkers   = 1
	defaultReceiptTimeout   = 5 * 1000 // 5 sec.
	defaultSignatureScheme  = "Ed25519"
	defaultSignatureHeader  = "X-PQC-Signature"
	defaultAnchorHeader     = "Subject:"
)

var defaultKeyExchanges = []string{"X25519MLKEM768", "X25519"}

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Gateway is the relay listener/backend configuration.
type Gateway struct {
	// Address is the listener address that the gateway will bind to and
	// accept SMTP connections on.
	Address string

	// BackendAddress is the address of the MTA that relayed traffic is
	// forwarded to.
	BackendAddress string

	// ConnectTimeout is the backend dial timeout in milliseconds.
	ConnectTimeout int

	// HandshakeTimeout is the TLS handshake timeout in milliseconds.
	HandshakeTimeout int
}

func (gCfg *Gateway) validate() error {
	if _, _, err := net.SplitHostPort(gCfg.Address); err != nil {
		return fmt.Errorf("config: Gateway: Address '%v' is invalid: %v", gCfg.Address, err)
	}
	if _, _, err := net.SplitHostPort(gCfg.BackendAddress); err != nil {
		return fmt.Errorf("config: Gateway: BackendAddress '%v' is invalid: %v", gCfg.BackendAddress, err)
	}
	if gCfg.ConnectTimeout < 0 {
		return errors.New("config: Gateway: ConnectTimeout is negative")
	}
	if gCfg.HandshakeTimeout < 0 {
		return errors.New("config: Gateway: HandshakeTimeout is negative")
	}
	return nil
}

func (gCfg *Gateway) applyDefaults() {
	if gCfg.Address == "" {
		gCfg.Address = defaultAddress
	}
	if gCfg.BackendAddress == "" {
		gCfg.BackendAddress = defaultBackendAddress
	}
	if gCfg.ConnectTimeout == 0 {
		gCfg.ConnectTimeout = defaultConnectTimeout
	}
	if gCfg.HandshakeTimeout == 0 {
		gCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Crypto is the signature and transport security configuration.
type Crypto struct {
	// SignatureScheme is the name of the hpqc signature scheme used to
	// sign relayed messages, eg "Ed25519" or "Ed25519 Sphincs+".
	SignatureScheme string

	// DataDir is the directory holding the signing key pair as
	// signing.private.pem and signing.public.pem.  Keys are generated
	// and persisted there on first startup.  If empty an ephemeral key
	// pair is used.
	DataDir string

	// TLSCertFile and TLSKeyFile are the listener certificate and key.
	// If either fails to load the gateway degrades to unsecured relay
	// mode, which is reported by the status endpoint.
	TLSCertFile string
	TLSKeyFile  string

	// KeyExchanges is the prioritized list of TLS key exchange groups
	// offered to clients.
	KeyExchanges []string

	// SignatureHeader is the name of the injected message header.
	SignatureHeader string

	// AnchorHeader is the header field prefix that triggers signature
	// injection.
	AnchorHeader string
}

func (cCfg *Crypto) validate() error {
	if cCfg.SignatureScheme == "" {
		return errors.New("config: Crypto: SignatureScheme is not set")
	}
	if cCfg.SignatureHeader == "" || cCfg.AnchorHeader == "" {
		return errors.New("config: Crypto: SignatureHeader/AnchorHeader is not set")
	}
	return nil
}

func (cCfg *Crypto) applyDefaults() {
	if cCfg.SignatureScheme == "" {
		cCfg.SignatureScheme = defaultSignatureScheme
	}
	if len(cCfg.KeyExchanges) == 0 {
		cCfg.KeyExchanges = defaultKeyExchanges
	}
	if cCfg.SignatureHeader == "" {
		cCfg.SignatureHeader = defaultSignatureHeader
	}
	if cCfg.AnchorHeader == "" {
		cCfg.AnchorHeader = defaultAnchorHeader
	}
}

// Receipts is the receipt ledger reporting configuration.
type Receipts struct {
	// URL is the ledger endpoint that signed message receipts are
	// reported to.  If empty, reporting is disabled.
	URL string

	// QueueSize bounds the number of receipts awaiting dispatch.
	// Receipts beyond the bound are dropped to the dead letter log.
	QueueSize int

	// Workers is the number of concurrent dispatch workers.
	Workers int

	// Timeout is the per report HTTP timeout in milliseconds.
	Timeout int
}

func (rCfg *Receipts) validate() error {
	if rCfg.URL != "" {
		u, err := url.Parse(rCfg.URL)
		if err != nil {
			return fmt.Errorf("config: Receipts: URL '%v' is invalid: %v", rCfg.URL, err)
		}
		switch u.Scheme {
		case "http", "https":
		default:
			return fmt.Errorf("config: Receipts: URL scheme '%v' is invalid", u.Scheme)
		}
	}
	if rCfg.QueueSize < 0 || rCfg.Workers < 0 || rCfg.Timeout < 0 {
		return errors.New("config: Receipts: negative QueueSize/Workers/Timeout")
	}
	return nil
}

func (rCfg *Receipts) applyDefaults() {
	if rCfg.QueueSize == 0 {
		rCfg.QueueSize = defaultReceiptQueue
	}
	if rCfg.Workers == 0 {
		rCfg.Workers = defaultReceiptWorkers
	}
	if rCfg.Timeout == 0 {
		rCfg.Timeout = defaultReceiptTimeout
	}
}

// Status is the status/metrics endpoint configuration.
type Status struct {
	// Address is the address the status HTTP endpoint binds to.
	Address string
}

func (sCfg *Status) validate() error {
	if _, _, err := net.SplitHostPort(sCfg.Address); err != nil {
		return fmt.Errorf("config: Status: Address '%v' is invalid: %v", sCfg.Address, err)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Config is the top level pqmail gateway configuration.
type Config struct {
	Gateway  *Gateway
	Crypto   *Crypto
	Receipts *Receipts
	Status   *Status
	Logging  *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Gateway == nil {
		cfg.Gateway = &Gateway{}
	}
	if cfg.Crypto == nil {
		cfg.Crypto = &Crypto{}
	}
	if cfg.Receipts == nil {
		cfg.Receipts = &Receipts{}
	}
	if cfg.Status == nil {
		cfg.Status = &Status{Address: defaultStatusAddress}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Status.Address == "" {
		cfg.Status.Address = defaultStatusAddress
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaultLogLevel
	}

	cfg.Gateway.applyDefaults()
	cfg.Crypto.applyDefaults()
	cfg.Receipts.applyDefaults()

	for _, v := range []func() error{
		cfg.Gateway.validate,
		cfg.Crypto.validate,
		cfg.Receipts.validate,
		cfg.Status.validate,
		cfg.Logging.validate,
	} {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates the provided buffer b as a gateway config and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

	cfg := new(Config)
	err := toml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
