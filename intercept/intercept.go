// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package intercept implements the client to backend stream transform that
// injects a signature header into a relayed message.
package intercept

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/pqmail/provider"
)

// maxSignBytes bounds how much of the stream prefix is retained for
// signing.  If no anchor is seen within the bound the transform gives up
// and degrades to a passthrough for the rest of the session.
const maxSignBytes = 64 * 1024

// DispatchFunc is invoked once, off the relay hot path, when a signature
// header has been injected.  signed is the stream prefix the signature
// covers.  Implementations must not block.
type DispatchFunc func(rec *provider.SignatureRecord, signed []byte)

// Transform is the per session injection state.  It is owned by exactly
// one relay direction and is not safe for concurrent use.
//
// The transform scans the client byte stream line by line for the anchor
// header field.  All scanner state survives chunk boundaries, so an anchor
// split across reads is still detected.  Once the anchor line's terminator
// is seen the stream prefix is signed and a signature header line is
// emitted directly after the anchor line, unless the following line shows
// the message already carries one.  After that single decision the
// transform is a pure passthrough.
type Transform struct {
	log      *logging.Logger
	signer   provider.Provider
	dispatch DispatchFunc

	anchor     []byte
	headerName string
	sigPrefix  []byte

	signBuf []byte
	record  *provider.SignatureRecord

	// Current line scanner state.
	contentLen    int
	matchPos      int
	anchorFailed  bool
	anchorMatched bool

	// Post anchor hold back state, for the idempotence check.
	holding   bool
	holdMatch int
	hold      []byte

	done     bool
	injected bool
}

// New creates a Transform for a single session.  dispatch may be nil.
func New(signer provider.Provider, dispatch DispatchFunc, anchor, headerName string, log *logging.Logger) *Transform {
	return &Transform{
		log:        log,
		signer:     signer,
		dispatch:   dispatch,
		anchor:     []byte(anchor),
		headerName: headerName,
		sigPrefix:  []byte(headerName + ":"),
	}
}

// Injected returns true if a signature header was emitted.
func (t *Transform) Injected() bool {
	return t.injected
}

// Apply transforms a single chunk of the client to backend stream and
// returns the bytes to forward.  The input chunk is never modified.
func (t *Transform) Apply(chunk []byte) []byte {
	if t.done && !t.holding {
		return chunk
	}

	out := make([]byte, 0, len(chunk)+len(t.sigPrefix))
	for _, b := range chunk {
		if t.holding {
			out = t.consumeHeld(out, b)
			continue
		}
		out = append(out, b)
		if t.done {
			continue
		}

		if len(t.signBuf) >= maxSignBytes {
			t.log.Debugf("No anchor '%s' within %d bytes, passthrough for remainder of session", t.anchor, maxSignBytes)
			t.done = true
			continue
		}
		t.signBuf = append(t.signBuf, b)

		if b == '\n' {
			switch {
			case t.anchorMatched:
				t.signAtAnchor()
			case t.contentLen == 0:
				// End of the header block without an anchor.
				// Anything that looks like one from here on
				// is message body.
				t.done = true
			}
			t.contentLen = 0
			t.matchPos = 0
			t.anchorFailed = false
			t.anchorMatched = false
			continue
		}
		if b != '\r' {
			t.contentLen++
		}
		if !t.anchorFailed && !t.anchorMatched {
			if b == t.anchor[t.matchPos] {
				t.matchPos++
				if t.matchPos == len(t.anchor) {
					t.anchorMatched = true
				}
			} else {
				t.anchorFailed = true
			}
		}
	}
	return out
}

// Flush returns any bytes withheld by the idempotence check.  It must be
// called when the client stream ends, before the backend write side is
// closed.
func (t *Transform) Flush() []byte {
	if !t.holding {
		return nil
	}
	// The held bytes can no longer grow into a complete signature
	// header line, so inject in front of them.
	return t.inject(nil)
}

// signAtAnchor signs the stream prefix through the anchor line and enters
// the hold back state that decides whether to inject.
func (t *Transform) signAtAnchor() {
	rec, err := t.signer.Sign(t.signBuf)
	if err != nil {
		t.log.Errorf("Failed to sign message prefix: %v", err)
		t.done = true
		return
	}
	t.record = rec
	t.holding = true
	t.holdMatch = 0
	t.hold = t.hold[:0]
}

// consumeHeld accumulates bytes after the anchor line until it is known
// whether the message already carries a signature header.
func (t *Transform) consumeHeld(out []byte, b byte) []byte {
	t.hold = append(t.hold, b)
	if t.holdMatch < len(t.sigPrefix) && b == t.sigPrefix[t.holdMatch] {
		t.holdMatch++
		if t.holdMatch == len(t.sigPrefix) {
			// Already signed upstream, do not inject a second
			// header.
			t.log.Debugf("Message already carries a %s header, skipping injection", t.headerName)
			out = append(out, t.hold...)
			t.hold = nil
			t.holding = false
			t.done = true
		}
		return out
	}
	return t.inject(out)
}

// inject emits the signature header line followed by any held bytes, and
// schedules the receipt dispatch.
func (t *Transform) inject(out []byte) []byte {
	out = append(out, t.headerLine()...)
	out = append(out, t.hold...)
	t.hold = nil
	t.holding = false
	t.done = true
	t.injected = true
	if t.dispatch != nil {
		t.dispatch(t.record, t.signBuf)
	}
	return out
}

func (t *Transform) headerLine() []byte {
	return []byte(fmt.Sprintf("%s: %s-SIGNATURE-%x\r\n", t.headerName, t.record.HeaderAlgorithmID(), t.record.Signature))
}
