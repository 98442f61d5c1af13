// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhansen/go-dispatch/dispatch/internal/queue"
)

var (
	// ErrClosed is returned by [Dispatcher.Enqueue] and [Dispatcher.Submit] once shutdown has
	// begun. The item was not accepted; the caller may resubmit it elsewhere.
	ErrClosed = queue.ErrClosed

	// ErrCanceled is delivered to items that were accepted but never processed because the
	// Dispatcher was shut down. Errors matching ErrCanceled also match the cancellation cause.
	ErrCanceled = errors.New("dispatch canceled")

	// ErrShutdown is the cancellation cause recorded by [Dispatcher.Shutdown].
	ErrShutdown = errors.New("dispatcher shut down")

	// ErrResultCount is wrapped in a [BatchError] when the processing function returns a result
	// slice whose length differs from the batch size.
	ErrResultCount = errors.New("result count does not match batch size")

	// ErrBatchTimeout is wrapped in a [BatchError] when a batch exceeds Config.BatchTimeout.
	ErrBatchTimeout = errors.New("batch processing timed out")

	// ErrPanic is wrapped in a [BatchError] when the processing function panics.
	ErrPanic = errors.New("batch processor panicked")
)

// BatchError reports that a batch could not be processed. Every item in the failed batch receives
// the same *BatchError value.
type BatchError struct {
	// Err is the error returned by the processing function, or one of ErrResultCount,
	// ErrBatchTimeout or ErrPanic.
	Err error
	// Size is the number of items in the failed batch.
	Size int
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch of %d failed: %v", e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// canceledError is delivered to abandoned items. It matches both ErrCanceled and the cause.
type canceledError struct {
	cause error
}

func (e *canceledError) Error() string {
	if e.cause == nil {
		return ErrCanceled.Error()
	}
	return fmt.Sprintf("%v: %v", ErrCanceled, e.cause)
}

func (e *canceledError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrCanceled}
	}
	return []error{ErrCanceled, e.cause}
}

// ConfigError reports invalid construction parameters. It is always returned synchronously by
// [New] and [NewDispatcher] and is never delivered to items.
type ConfigError struct {
	Problems []FieldError
}

// FieldError describes one invalid [Config] field.
type FieldError struct {
	Field  string
	Value  any
	Reason string
}

func (e FieldError) String() string {
	return fmt.Sprintf("%s=%v: %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.String())
	}
	return "invalid dispatcher config: " + strings.Join(parts, "; ")
}

// Has reports whether field is among the invalid fields.
func (e *ConfigError) Has(field string) bool {
	for _, p := range e.Problems {
		if p.Field == field {
			return true
		}
	}
	return false
}
