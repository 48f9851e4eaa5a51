package policy

import "time"

// A SpeculativeExecutionPolicy decides whether extra attempts of one request
// are started on other hosts while the first is still pending. The first
// terminal response wins and the rest are cancelled. Side effects may run
// more than once, so this is for idempotent statements only.
type SpeculativeExecutionPolicy interface {
	// Attempts is the number of extra executions allowed.
	Attempts() int
	// Delay is how long to wait before launching each extra execution.
	Delay() time.Duration
}

// NonSpeculative never launches extra executions.
type NonSpeculative struct{}

func (NonSpeculative) Attempts() int        { return 0 }
func (NonSpeculative) Delay() time.Duration { return 0 }

// SimpleSpeculativeExecution launches up to NumAttempts extra executions, a
// fixed delay apart.
type SimpleSpeculativeExecution struct {
	NumAttempts  int
	TimeoutDelay time.Duration
}

func (p SimpleSpeculativeExecution) Attempts() int        { return p.NumAttempts }
func (p SimpleSpeculativeExecution) Delay() time.Duration { return p.TimeoutDelay }
