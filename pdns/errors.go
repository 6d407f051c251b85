package pdns

import "errors"

// ErrStrictUnreachable is returned by Dispatch when mode is Strict and no
// server ever validates within the startup wait budget: this hard-fails
// the query, never falling back to cleartext.
var ErrStrictUnreachable = errors.New("pdns: no server validated within the strict-mode startup budget")

// errStrictDispatchFailed is used when a strict-mode dispatch reaches a
// validated server but the exchange doesn't succeed, and the dispatcher
// didn't itself supply an error to wrap.
var errStrictDispatchFailed = errors.New("pdns: strict-mode TLS dispatch failed")
