package client

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	"github.com/grafana/cqlkit/pkg/conn"
	"github.com/grafana/cqlkit/pkg/cqlproto"
	"github.com/grafana/cqlkit/pkg/policy"
)

// Unset is a bind value sentinel. Binding it leaves the column untouched
// instead of writing a null. Requires protocol v4.
var Unset unset

type unset struct{}

// Session executes queries against the cluster. Sessions are cheap, share
// the cluster's pools and prepared cache, and are safe for concurrent use.
type Session struct {
	cluster *Cluster
	logger  log.Logger
}

// Query starts building a request for one statement.
func (s *Session) Query(statement string, values ...interface{}) *Query {
	return &Query{
		session:     s,
		statement:   statement,
		values:      values,
		consistency: s.cluster.consistency,
		retry:       s.cluster.retry,
		speculative: s.cluster.speculative,
	}
}

// Close tears down the owning cluster.
func (s *Session) Close() error {
	return s.cluster.Close()
}

// Query is one request under construction. Builder methods return the
// receiver for chaining and must not be called concurrently with execution.
type Query struct {
	session   *Session
	statement string
	values    []interface{}

	consistency cqlproto.Consistency
	serial      cqlproto.SerialConsistency
	pageSize    int
	pagingState []byte
	idempotent  bool
	timeout     time.Duration

	retry       policy.RetryPolicy
	speculative policy.SpeculativeExecutionPolicy
}

// Consistency overrides the session default for this query.
func (q *Query) Consistency(cl cqlproto.Consistency) *Query {
	q.consistency = cl
	return q
}

// SerialConsistency sets the consistency of the read before a conditional
// write.
func (q *Query) SerialConsistency(cl cqlproto.SerialConsistency) *Query {
	q.serial = cl
	return q
}

// PageSize asks the server to return at most n rows per page.
func (q *Query) PageSize(n int) *Query {
	q.pageSize = n
	return q
}

// PageState resumes iteration from a paging state of a previous Iter.
func (q *Query) PageState(state []byte) *Query {
	q.pagingState = state
	return q
}

// Idempotent marks the query as safe to run more than once. Only idempotent
// queries get speculative executions.
func (q *Query) Idempotent(v bool) *Query {
	q.idempotent = v
	return q
}

// Timeout bounds the whole execution including retries. Zero means only the
// per-attempt request timeout applies.
func (q *Query) Timeout(d time.Duration) *Query {
	q.timeout = d
	return q
}

// RetryPolicy overrides the cluster retry policy for this query.
func (q *Query) RetryPolicy(p policy.RetryPolicy) *Query {
	q.retry = p
	return q
}

// SpeculativeExecutionPolicy overrides the cluster policy for this query.
func (q *Query) SpeculativeExecutionPolicy(p policy.SpeculativeExecutionPolicy) *Query {
	q.speculative = p
	return q
}

// Exec runs the query and discards any rows.
func (q *Query) Exec(ctx context.Context) error {
	iter, err := q.Iter(ctx)
	if err != nil {
		return err
	}
	return iter.Close()
}

// Iter runs the query and returns an iterator over the result rows.
func (q *Query) Iter(ctx context.Context) (*Iter, error) {
	return q.IterAsync(ctx).Wait()
}

// IterAsync starts the query and returns immediately. The returned Future
// resolves to the result iterator.
func (q *Query) IterAsync(ctx context.Context) *Future {
	f := newFuture()
	ex := &queryExecutor{
		cluster: q.session.cluster,
		logger:  q.session.logger,
		query:   q,
	}
	go func() {
		iter, err := ex.run(ctx)
		f.complete(iter, err)
	}()
	return f
}

// preparedStatement is a cache entry keyed by host-independent statement
// text. Ids are assigned by the cluster and shared by every node.
type preparedStatement struct {
	id       []byte
	request  cqlproto.PreparedMetadata
	response cqlproto.ResultMetadata
}

// prepare resolves the statement against the cache, issuing PREPARE on cn on
// a miss or when evict forces a refresh after an unprepared error.
func (s *Session) prepare(ctx context.Context, cn *conn.Conn, statement string, evict bool) (*preparedStatement, error) {
	cache := s.cluster.prepared
	if evict {
		cache.Remove(statement)
	} else if ps, ok := cache.Get(statement); ok {
		return ps, nil
	}

	frame, err := cn.Exec(ctx, &cqlproto.PrepareFrame{Statement: statement})
	if err != nil {
		return nil, err
	}
	switch v := frame.(type) {
	case *cqlproto.ResultPreparedFrame:
		ps := &preparedStatement{id: v.PreparedID, request: v.ReqMeta, response: v.RespMeta}
		cache.Add(statement, ps)
		return ps, nil
	case cqlproto.RequestError:
		return nil, v
	default:
		return nil, cqlproto.NewErrProtocol("expected prepared result, got %v", frame)
	}
}

// bindValues marshals the query values against the prepared parameter
// metadata. A nil value binds null, Unset binds the v4 unset marker.
func (s *Session) bindValues(ps *preparedStatement, values []interface{}, proto cqlproto.Version) ([]cqlproto.QueryValue, error) {
	cols := ps.request.Columns
	if len(values) != len(cols) {
		return nil, errors.Errorf("statement expects %d values, got %d", len(cols), len(values))
	}
	out := make([]cqlproto.QueryValue, len(values))
	for i, v := range values {
		if _, ok := v.(unset); ok {
			if proto < cqlproto.Version4 {
				return nil, errors.New("unset values require protocol v4")
			}
			out[i] = cqlproto.QueryValue{Unset: true}
			continue
		}
		if v == nil {
			out[i] = cqlproto.QueryValue{}
			continue
		}
		cdc, err := s.cluster.codecs.CodecForTypeValue(cols[i].TypeInfo, v)
		if err != nil {
			return nil, errors.Wrapf(err, "bind %q", cols[i].Name)
		}
		data, err := cdc.Marshal(v, proto)
		if err != nil {
			return nil, errors.Wrapf(err, "bind %q", cols[i].Name)
		}
		out[i] = cqlproto.QueryValue{Value: data}
	}
	return out, nil
}
