// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "no Load() with nil config")

	const basicConfig = `# A basic configuration example.
[Gateway]
Address = "127.0.0.1:2525"
BackendAddress = "127.0.0.1:10025"

[Crypto]
SignatureScheme = "Ed25519 Sphincs+"
KeyExchanges = [ "X25519MLKEM768" ]

[Receipts]
URL = "http://127.0.0.1:6000/receipts"

[Logging]
Level = "DEBUG"
`

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")
	require.Equal("127.0.0.1:2525", cfg.Gateway.Address)
	require.Equal("127.0.0.1:10025", cfg.Gateway.BackendAddress)
	require.Equal("Ed25519 Sphincs+", cfg.Crypto.SignatureScheme)
	require.Equal([]string{"X25519MLKEM768"}, cfg.Crypto.KeyExchanges)
	require.Equal("http://127.0.0.1:6000/receipts", cfg.Receipts.URL)
	require.Equal("DEBUG", cfg.Logging.Level)
}

func TestConfigDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(""))
	require.NoError(err)
	require.Equal(defaultAddress, cfg.Gateway.Address)
	require.Equal(defaultBackendAddress, cfg.Gateway.BackendAddress)
	require.Equal(defaultStatusAddress, cfg.Status.Address)
	require.Equal(defaultSignatureScheme, cfg.Crypto.SignatureScheme)
	require.Equal(defaultKeyExchanges, cfg.Crypto.KeyExchanges)
	require.Equal(defaultSignatureHeader, cfg.Crypto.SignatureHeader)
	require.Equal(defaultAnchorHeader, cfg.Crypto.AnchorHeader)
	require.Equal(defaultReceiptQueue, cfg.Receipts.QueueSize)
	require.Equal(defaultReceiptWorkers, cfg.Receipts.Workers)
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal("", cfg.Receipts.URL)
}

func TestInvalidConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Gateway]
Address = "not an address"
`))
	require.Error(err, "invalid listen address")

	_, err = Load([]byte(`
[Receipts]
URL = "gopher://127.0.0.1:6000"
`))
	require.Error(err, "invalid ledger URL scheme")

	_, err = Load([]byte(`
[Logging]
Level = "LOUD"
`))
	require.Error(err, "invalid log level")
}
