// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package receipts

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/katzenpost/core/log"

	"github.com/katzenpost/pqmail/config"
	"github.com/katzenpost/pqmail/provider"
)

func testRecord() *provider.SignatureRecord {
	return &provider.SignatureRecord{
		Algorithm:   "Ed25519",
		Fingerprint: []byte{0xDE, 0xAD, 0xBE, 0xEF},
		Signature:   []byte{0x01, 0x02, 0x03},
	}
}

func newTestDispatcher(t *testing.T, url string, queueSize int) *Dispatcher {
	logBackend, err := log.New(os.DevNull, "DEBUG", false)
	require.NoError(t, err)
	cfg := &config.Receipts{
		URL:       url,
		QueueSize: queueSize,
		Workers:   1,
		Timeout:   5 * 1000,
	}
	return New(cfg, logBackend)
}

func TestReport(t *testing.T) {
	require := require.New(t)

	receivedCh := make(chan *Receipt, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Content-Type") != "application/cbor" {
			http.Error(w, "bad content type", http.StatusUnsupportedMediaType)
			return
		}
		blob, err := io.ReadAll(req.Body)
		if err != nil {
			return
		}
		r := new(Receipt)
		if cbor.Unmarshal(blob, r) == nil {
			receivedCh <- r
		}
	}))
	defer ts.Close()

	d := newTestDispatcher(t, ts.URL, 4)
	defer d.Halt()

	rec := testRecord()
	d.Report(rec, []byte("Subject: Test\r\n"))

	select {
	case r := <-receivedCh:
		require.Equal(rec.Fingerprint, r.Fingerprint)
		require.Equal(rec.Algorithm, r.Algorithm)
		require.Equal(rec.Signature, r.Signature)
		require.Equal(len("Subject: Test\r\n"), r.MessageLen)
		require.NotZero(r.Timestamp)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for receipt")
	}
}

func TestLedgerFailureIsIsolated(t *testing.T) {
	calledCh := make(chan struct{}, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calledCh <- struct{}{}
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer ts.Close()

	d := newTestDispatcher(t, ts.URL, 4)
	defer d.Halt()

	// A failing ledger is logged, never propagated: Report has no error
	// to return and must not panic or block.
	d.Report(testRecord(), nil)

	select {
	case <-calledCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ledger call")
	}
}

func TestReportNeverBlocks(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
	}))
	defer ts.Close()

	d := newTestDispatcher(t, ts.URL, 1)
	defer d.Halt()
	defer close(release)

	// With the single worker wedged on the first report and the queue
	// full, further reports must drop to the dead letter log instead of
	// blocking the caller.
	start := time.Now()
	for i := 0; i < 8; i++ {
		d.Report(testRecord(), nil)
	}
	require.Less(time.Since(start), time.Second)
}

func TestHaltDrainsQueue(t *testing.T) {
	require := require.New(t)

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-release
	}))
	defer ts.Close()

	d := newTestDispatcher(t, ts.URL, 8)

	// Wedge the single worker on the first report and queue up more.
	for i := 0; i < 4; i++ {
		d.Report(testRecord(), nil)
	}

	haltedCh := make(chan struct{})
	go func() {
		d.Halt()
		close(haltedCh)
	}()
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case <-haltedCh:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for dispatcher halt")
	}

	// Every queued receipt was either delivered or dead lettered; none
	// may remain stranded in the queue after halt.
	require.Len(d.ch, 0)
}

func TestReportingDisabled(t *testing.T) {
	// No ledger URL: reports are discarded without error.
	d := newTestDispatcher(t, "", 4)
	defer d.Halt()
	d.Report(testRecord(), nil)
}
