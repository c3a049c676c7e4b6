// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "fmt"

// FrameError reports a malformed or unsupported frame.
//
// Most FrameErrors are recoverable: the frame's body was consumed completely and the next frame can be read. If
// Desync returns true, the reader lost track of the frame boundaries and the underlying stream must not be used
// anymore.
type FrameError struct {
	Type   Type
	Msg    string
	Cause  error
	desync bool
}

func newFrameError(t Type, msg string, cause error) *FrameError {
	return &FrameError{Type: t, Msg: msg, Cause: cause}
}

func newDesyncError(t Type, msg string, cause error) *FrameError {
	return &FrameError{Type: t, Msg: msg, Cause: cause, desync: true}
}

func (fe *FrameError) Error() string {
	if fe.Cause != nil {
		return fmt.Sprintf("frame %v: %s: %v", fe.Type, fe.Msg, fe.Cause)
	}
	return fmt.Sprintf("frame %v: %s", fe.Type, fe.Msg)
}

func (fe *FrameError) Unwrap() error {
	return fe.Cause
}

// Desync indicates that the frame boundaries were lost.
func (fe *FrameError) Desync() bool {
	return fe.desync
}
