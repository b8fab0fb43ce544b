package query

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is the base of every error detected before any store
	// call: the query as built cannot be executed. Never retried.
	ErrConfiguration = errors.New("query configuration error")

	// ErrContract is the base of every contract violation: the caller used
	// an execution path the specification kind does not support, or the
	// store produced a result of an unexpected shape. A programmer error,
	// not recoverable locally.
	ErrContract = errors.New("query contract violation")

	// ErrUnknownSpec if a query is constructed without a known specification.
	ErrUnknownSpec = fmt.Errorf("%w: unknown specification", ErrConfiguration)

	// ErrMultiReplace if a full replacement document is combined with the
	// multiple flag; replacement semantics are undefined across many
	// documents.
	ErrMultiReplace = fmt.Errorf("%w: replacement document cannot target multiple documents", ErrConfiguration)

	// ErrPrimerRequired if primed fields are configured without a reference
	// primer to resolve them.
	ErrPrimerRequired = fmt.Errorf("%w: primed fields configured without a reference primer", ErrConfiguration)

	// ErrNotIterable if Iterator is called on a specification kind that can
	// never produce an iterator.
	ErrNotIterable = fmt.Errorf("%w: specification kind does not produce an iterator", ErrContract)

	// ErrIteratorExpected if execution was required to produce an iterator
	// but did not.
	ErrIteratorExpected = fmt.Errorf("%w: execution did not produce an iterator", ErrContract)

	// ErrIteratorRewound if a non-rewindable iterator is restarted after
	// advancing.
	ErrIteratorRewound = fmt.Errorf("%w: iterator cannot be rewound after advancing", ErrContract)
)
