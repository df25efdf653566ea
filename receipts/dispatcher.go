// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package receipts reports signed message receipts to the external receipt
// ledger.  Reporting is fire and forget: a failure is logged for manual
// reconciliation and never reaches the relay path.
package receipts

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/katzenpost/core/log"
	"github.com/katzenpost/katzenpost/core/worker"

	"github.com/katzenpost/pqmail/config"
	"github.com/katzenpost/pqmail/internal/instrument"
	"github.com/katzenpost/pqmail/provider"
)

// DispatchError is a receipt reporting failure.  It is logged, never
// propagated to the relay.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("receipts: dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Receipt is the ledger report payload.
type Receipt struct {
	Fingerprint []byte `cbor:"fingerprint"`
	Algorithm   string `cbor:"algorithm"`
	Signature   []byte `cbor:"signature"`
	MessageLen  int    `cbor:"message_len"`
	Timestamp   int64  `cbor:"timestamp"`
}

// Dispatcher asynchronously reports receipts to the ledger from a bounded
// queue.  When the queue is full receipts go to the dead letter log
// instead of applying backpressure to the relay.
type Dispatcher struct {
	worker.Worker

	log    *logging.Logger
	client *http.Client

	url string
	ch  chan *Receipt
}

// New creates a Dispatcher and starts its workers.
func New(cfg *config.Receipts, logBackend *log.Backend) *Dispatcher {
	d := &Dispatcher{
		log: logBackend.GetLogger("receipts"),
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Millisecond,
		},
		url: cfg.URL,
		ch:  make(chan *Receipt, cfg.QueueSize),
	}
	if d.url == "" {
		d.log.Noticef("Receipt reporting disabled: no ledger URL configured")
		return d
	}
	for i := 0; i < cfg.Workers; i++ {
		d.Go(d.worker)
	}
	return d
}

// Report enqueues a receipt for the given signature record.  It never
// blocks and never returns an error to the caller.  signed is the stream
// prefix the signature covers.
func (d *Dispatcher) Report(rec *provider.SignatureRecord, signed []byte) {
	if d.url == "" {
		d.log.Debugf("Discarding receipt for %x, reporting disabled", rec.Fingerprint)
		return
	}
	r := &Receipt{
		Fingerprint: rec.Fingerprint,
		Algorithm:   rec.Algorithm,
		Signature:   rec.Signature,
		MessageLen:  len(signed),
		Timestamp:   time.Now().Unix(),
	}
	select {
	case d.ch <- r:
	default:
		instrument.ReceiptsDropped()
		d.log.Warningf("Dead letter: queue full, dropping receipt: fingerprint=%x timestamp=%v", r.Fingerprint, time.Unix(r.Timestamp, 0).UTC())
	}
}

func (d *Dispatcher) worker() {
	for {
		select {
		case <-d.HaltCh():
			d.drain()
			return
		case r := <-d.ch:
			if err := d.post(r); err != nil {
				instrument.ReceiptsFailed()
				d.log.Errorf("Dead letter: %v: fingerprint=%x timestamp=%v", err, r.Fingerprint, time.Unix(r.Timestamp, 0).UTC())
			} else {
				instrument.ReceiptsDispatched()
			}
		}
	}
}

// drain empties the queue at halt time.  Undelivered receipts go to the
// dead letter log, they are never silently discarded.
func (d *Dispatcher) drain() {
	for {
		select {
		case r := <-d.ch:
			instrument.ReceiptsDropped()
			d.log.Warningf("Dead letter: halting, dropping receipt: fingerprint=%x timestamp=%v", r.Fingerprint, time.Unix(r.Timestamp, 0).UTC())
		default:
			return
		}
	}
}

func (d *Dispatcher) post(r *Receipt) error {
	blob, err := cbor.Marshal(r)
	if err != nil {
		return &DispatchError{Err: err}
	}
	resp, err := d.client.Post(d.url, "application/cbor", bytes.NewReader(blob))
	if err != nil {
		return &DispatchError{Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DispatchError{Err: fmt.Errorf("ledger returned %s", resp.Status)}
	}
	return nil
}
