package client

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/policy"
	"github.com/grafana/cqlkit/pkg/topology"
)

// queryExecutor drives one query to completion: walk the host plan, borrow a
// connection, write the request and classify the response, consulting the
// retry policy on coordinator failures. Speculative executions share the
// plan, so two attempts never race on the same host.
type queryExecutor struct {
	cluster *Cluster
	logger  log.Logger
	query   *Query

	planMu sync.Mutex
	plan   policy.NextHost
}

func (e *queryExecutor) run(ctx context.Context) (*Iter, error) {
	if e.query.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.query.timeout)
		defer cancel()
	}
	e.plan = e.cluster.lb.Plan()

	spec := e.query.speculative
	if !e.query.idempotent || spec.Attempts() == 0 {
		return e.runPlan(ctx)
	}
	return e.runSpeculative(ctx, spec)
}

// runSpeculative races the primary attempt against up to Attempts extra
// ones, each started Delay apart. The first success wins and cancels the
// rest. An attempt that fails early frees its slot for the next launch.
func (e *queryExecutor) runSpeculative(ctx context.Context, spec policy.SpeculativeExecutionPolicy) (*Iter, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		iter *Iter
		err  error
	}
	results := make(chan outcome, spec.Attempts()+1)
	launch := func() {
		go func() {
			iter, err := e.runPlan(ctx)
			results <- outcome{iter: iter, err: err}
		}()
	}

	launch()
	pending, remaining := 1, spec.Attempts()

	timer := time.NewTimer(spec.Delay())
	defer timer.Stop()

	var firstErr error
	for {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				return r.iter, nil
			}
			if firstErr == nil {
				firstErr = r.err
			}
			if pending == 0 && remaining == 0 {
				return nil, firstErr
			}
			if pending == 0 {
				launch()
				pending++
				remaining--
			}
		case <-timer.C:
			if remaining > 0 {
				level.Debug(e.logger).Log("msg", "launching speculative execution", "statement", e.query.statement)
				launch()
				pending++
				remaining--
				timer.Reset(spec.Delay())
			}
		}
	}
}

func (e *queryExecutor) nextHost() *topology.Host {
	e.planMu.Lock()
	defer e.planMu.Unlock()
	return e.plan()
}

// runPlan walks hosts until one produces a terminal response. Per-host
// failures are collected so an exhausted plan can report every cause.
func (e *queryExecutor) runPlan(ctx context.Context) (*Iter, error) {
	var hostErrs []HostError
	retries := 0
	consistency := e.query.consistency

	for h := e.nextHost(); h != nil; h = e.nextHost() {
		reprepared := false
	sameHost:
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			iter, err := e.attempt(ctx, h, consistency, reprepared)
			if err == nil {
				return iter, nil
			}

			var unprepared *cqlproto.RequestErrUnprepared
			if errors.As(err, &unprepared) && !reprepared {
				level.Debug(e.logger).Log("msg", "statement not prepared on host, re-preparing", "address", h.Address())
				reprepared = true
				continue sameHost
			}

			d, fatal := e.classify(err, retries)
			if fatal {
				return nil, err
			}
			switch d.Type {
			case policy.RetrySame:
				retries++
				if d.OverrideConsistency {
					consistency = d.Consistency
				}
				continue sameHost
			case policy.RetryNext:
				retries++
				if d.OverrideConsistency {
					consistency = d.Consistency
				}
				hostErrs = append(hostErrs, HostError{Address: h.Address(), Err: err})
				break sameHost
			case policy.Ignore:
				return &Iter{}, nil
			default:
				return nil, err
			}
		}
	}
	return nil, &NoHostAvailable{Errors: hostErrs}
}

// attempt runs the query once against h. A nil error means iter is the
// terminal result.
func (e *queryExecutor) attempt(ctx context.Context, h *topology.Host, consistency cqlproto.Consistency, evictPrepared bool) (*Iter, error) {
	pool, err := e.cluster.poolFor(h)
	if err != nil {
		return nil, err
	}
	cn, release, err := pool.Borrow(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	q := e.query
	params := cqlproto.QueryParams{
		Consistency:       consistency,
		PageSize:          q.pageSize,
		PagingState:       q.pagingState,
		SerialConsistency: q.serial,
	}

	var (
		req cqlproto.FrameBuilder
		ps  *preparedStatement
	)
	if len(q.values) > 0 {
		ps, err = q.session.prepare(ctx, cn, q.statement, evictPrepared)
		if err != nil {
			return nil, err
		}
		params.Values, err = q.session.bindValues(ps, q.values, cn.Proto())
		if err != nil {
			return nil, err
		}
		params.SkipMeta = true
		req = &cqlproto.ExecuteFrame{PreparedID: ps.id, Params: params}
	} else {
		req = &cqlproto.QueryFrame{Statement: q.statement, Params: params}
	}

	frame, err := cn.Exec(ctx, req)
	if err != nil {
		return nil, err
	}

	switch v := frame.(type) {
	case *cqlproto.ResultRowsFrame:
		if len(v.Meta.Columns) == 0 && ps != nil {
			v.Meta.Columns = ps.response.Columns
			v.Meta.ColCount = ps.response.ColCount
		}
		return newIter(v, e.cluster.codecs, cn.Proto()), nil
	case *cqlproto.ResultVoidFrame, *cqlproto.ResultKeyspaceFrame, *cqlproto.SchemaChangeFrame:
		return &Iter{}, nil
	case error:
		return nil, v
	default:
		return nil, cqlproto.NewErrProtocol("unexpected response %v", frame)
	}
}

// classify turns one attempt failure into a retry decision. fatal failures
// bypass the retry policy entirely.
func (e *queryExecutor) classify(err error, retries int) (policy.RetryDecision, bool) {
	retry := e.query.retry

	var (
		readTimeout  *cqlproto.RequestErrReadTimeout
		writeTimeout *cqlproto.RequestErrWriteTimeout
		unavailable  *cqlproto.RequestErrUnavailable
	)
	switch {
	case errors.As(err, &readTimeout):
		return retry.OnReadTimeout(readTimeout, retries), false
	case errors.As(err, &writeTimeout):
		return retry.OnWriteTimeout(writeTimeout, retries), false
	case errors.As(err, &unavailable):
		return retry.OnUnavailable(unavailable, retries), false
	}

	var reqErr cqlproto.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Code() {
		case cqlproto.ErrCodeOverloaded, cqlproto.ErrCodeBootstrapping, cqlproto.ErrCodeTruncate:
			// the coordinator is struggling, another one may not be
			return policy.RetryDecision{Type: policy.RetryNext}, false
		case cqlproto.ErrCodeServer:
			return retry.OnRequestError(err, retries), false
		default:
			// syntax, invalid, unauthorized, credentials, config,
			// already-exists, protocol violations and replica failures
			return policy.RetryDecision{}, true
		}
	}

	var authErr *conn.AuthenticationError
	if errors.As(err, &authErr) {
		return policy.RetryDecision{}, true
	}

	// transport failures, pool saturation, client-side timeouts
	return retry.OnRequestError(err, retries), false
}
