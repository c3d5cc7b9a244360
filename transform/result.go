package transform

import (
	"github.com/glimte/busbridge/contracts"
)

// Kind identifies the outcome of a transform stage
type Kind int

const (
	// KindPassed continues with the unchanged message
	KindPassed Kind = iota
	// KindModified continues with a new message
	KindModified
	// KindDropped stops the pipeline without producing a message
	KindDropped
	// KindFailed stops the pipeline with an error
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindPassed:
		return "passed"
	case KindModified:
		return "modified"
	case KindDropped:
		return "dropped"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of a single transform stage
type Result struct {
	kind    Kind
	message contracts.Message
	err     error
}

// Passed continues the pipeline with msg unchanged
func Passed(msg contracts.Message) Result {
	return Result{kind: KindPassed, message: msg}
}

// Modified continues the pipeline with msg in place of the input
func Modified(msg contracts.Message) Result {
	return Result{kind: KindModified, message: msg}
}

// Dropped filters the message out
func Dropped() Result {
	return Result{kind: KindDropped}
}

// Failed rejects the message with err
func Failed(err error) Result {
	return Result{kind: KindFailed, err: err}
}

// Kind returns the result variant
func (r Result) Kind() Kind {
	return r.kind
}

// Message returns the message carried by Passed and Modified results
func (r Result) Message() contracts.Message {
	return r.message
}

// Err returns the error carried by Failed results
func (r Result) Err() error {
	return r.err
}
