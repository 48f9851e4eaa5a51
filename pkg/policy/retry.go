package policy

import (
	"github.com/grafana/cqlkit/pkg/cqlproto"
)

// RetryType is the verdict of a retry policy for one failed attempt.
type RetryType int

const (
	// RetrySame retries on the host that just failed.
	RetrySame RetryType = iota
	// RetryNext advances the query plan to the next host.
	RetryNext
	// Rethrow surfaces the error to the caller.
	Rethrow
	// Ignore completes the request successfully with an empty result.
	Ignore
)

func (t RetryType) String() string {
	switch t {
	case RetrySame:
		return "retry_same"
	case RetryNext:
		return "retry_next"
	case Rethrow:
		return "rethrow"
	case Ignore:
		return "ignore"
	}
	return "unknown"
}

// RetryDecision pairs a verdict with an optional consistency override for
// the retried attempt.
type RetryDecision struct {
	Type RetryType

	Consistency         cqlproto.Consistency
	OverrideConsistency bool
}

func retryAt(t RetryType, cl cqlproto.Consistency) RetryDecision {
	return RetryDecision{Type: t, Consistency: cl, OverrideConsistency: true}
}

// A RetryPolicy classifies coordinator-reported failures. The retries
// argument counts prior retries of the same request, zero on the first
// failure.
type RetryPolicy interface {
	OnReadTimeout(err *cqlproto.RequestErrReadTimeout, retries int) RetryDecision
	OnWriteTimeout(err *cqlproto.RequestErrWriteTimeout, retries int) RetryDecision
	OnUnavailable(err *cqlproto.RequestErrUnavailable, retries int) RetryDecision
	// OnRequestError covers connection failures and client-side timeouts.
	OnRequestError(err error, retries int) RetryDecision
}

// DefaultRetry retries in the narrow cases where the retry is provably
// useless work redone at worst: a read timeout with enough replicas that
// just lacked data, a timed-out write of the batch log, and one hop to the
// next host on unavailable.
type DefaultRetry struct{}

func (DefaultRetry) OnReadTimeout(err *cqlproto.RequestErrReadTimeout, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	if err.Received >= err.BlockFor && err.DataPresent == 0 {
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DefaultRetry) OnWriteTimeout(err *cqlproto.RequestErrWriteTimeout, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	if err.WriteType == "BATCH_LOG" {
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DefaultRetry) OnUnavailable(_ *cqlproto.RequestErrUnavailable, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	return RetryDecision{Type: RetryNext}
}

func (DefaultRetry) OnRequestError(error, int) RetryDecision {
	return RetryDecision{Type: RetryNext}
}

// DowngradingConsistencyRetry retries at the highest consistency the number
// of responsive replicas can likely satisfy. It trades consistency for
// availability and must be an explicit opt-in.
type DowngradingConsistencyRetry struct{}

func maxLikelySupported(alive int) (cqlproto.Consistency, bool) {
	switch {
	case alive >= 3:
		return cqlproto.Three, true
	case alive == 2:
		return cqlproto.Two, true
	case alive == 1:
		return cqlproto.One, true
	}
	return 0, false
}

func (DowngradingConsistencyRetry) OnReadTimeout(err *cqlproto.RequestErrReadTimeout, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	if err.Received < err.BlockFor {
		cl, ok := maxLikelySupported(err.Received)
		if !ok {
			return RetryDecision{Type: Rethrow}
		}
		return retryAt(RetrySame, cl)
	}
	if err.DataPresent == 0 {
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DowngradingConsistencyRetry) OnWriteTimeout(err *cqlproto.RequestErrWriteTimeout, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	switch err.WriteType {
	case "SIMPLE", "BATCH":
		// the write reached at least one replica and will eventually be
		// propagated
		if err.Received > 0 {
			return RetryDecision{Type: Ignore}
		}
		return RetryDecision{Type: Rethrow}
	case "UNLOGGED_BATCH":
		cl, ok := maxLikelySupported(err.Received)
		if !ok {
			return RetryDecision{Type: Rethrow}
		}
		return retryAt(RetrySame, cl)
	case "BATCH_LOG":
		return RetryDecision{Type: RetrySame}
	}
	return RetryDecision{Type: Rethrow}
}

func (DowngradingConsistencyRetry) OnUnavailable(err *cqlproto.RequestErrUnavailable, retries int) RetryDecision {
	if retries != 0 {
		return RetryDecision{Type: Rethrow}
	}
	cl, ok := maxLikelySupported(err.Alive)
	if !ok {
		return RetryDecision{Type: Rethrow}
	}
	return retryAt(RetrySame, cl)
}

func (DowngradingConsistencyRetry) OnRequestError(error, int) RetryDecision {
	return RetryDecision{Type: RetryNext}
}
