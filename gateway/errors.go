// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package gateway

import "fmt"

// TransportError is a transport security failure, either certificate/key
// material that could not be loaded or a failed handshake.  The gateway
// degrades or drops the affected connection, it keeps accepting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway: transport %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// BackendUnreachableError aborts a single connection without affecting
// other sessions.
type BackendUnreachableError struct {
	Addr string
	Err  error
}

func (e *BackendUnreachableError) Error() string {
	return fmt.Sprintf("gateway: backend %s unreachable: %v", e.Addr, e.Err)
}

func (e *BackendUnreachableError) Unwrap() error {
	return e.Err
}

// StreamError is a mid relay read or write failure.  Both directions of
// the affected session are closed.
type StreamError struct {
	Direction string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("gateway: stream failure (%s): %v", e.Direction, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}
