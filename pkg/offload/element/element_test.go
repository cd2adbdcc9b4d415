package element

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pocket-bench/pocket/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder appends its name to a shared trace on every call.
type recorder struct {
	name  string
	trace *[]string
	fail  bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	*r.trace = append(*r.trace, "req:"+r.name)
	if r.fail {
		return nil, errors.New(r.name + " rejected")
	}
	return req, nil
}

func (r *recorder) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	*r.trace = append(*r.trace, "resp:"+r.name)
	return resp, nil
}

func TestChainOrder(t *testing.T) {
	var trace []string
	chain := NewChain(&recorder{name: "a", trace: &trace}, &recorder{name: "b", trace: &trace})
	assert.Equal(t, 2, chain.Len())

	req, err := chain.ProcessRequest(context.Background(), &Request{Seq: 1, Op: "echo"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.Seq)

	_, err = chain.ProcessResponse(context.Background(), &Response{Seq: 1, Op: "echo"})
	require.NoError(t, err)

	assert.Equal(t, []string{"req:a", "req:b", "resp:b", "resp:a"}, trace)
}

func TestChainStopsOnError(t *testing.T) {
	var trace []string
	chain := NewChain(&recorder{name: "a", trace: &trace, fail: true}, &recorder{name: "b", trace: &trace})

	_, err := chain.ProcessRequest(context.Background(), &Request{Seq: 1})
	require.EqualError(t, err, "a rejected")
	assert.Equal(t, []string{"req:a"}, trace)
}

func TestMetricsElement(t *testing.T) {
	m := MetricsElement{}
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.DispatchErrors.WithLabelValues("element-test", "timeout"))
	_, err := m.ProcessResponse(ctx, &Response{Op: "element-test", Error: errors.New("late"), Kind: "timeout"})
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DispatchErrors.WithLabelValues("element-test", "timeout")))

	_, err = m.ProcessResponse(ctx, &Response{Op: "element-test", Elapsed: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.DispatchDuration))
}

func TestLoggingElementPassesThrough(t *testing.T) {
	l := LoggingElement{}
	req := &Request{Seq: 4, Op: "relu"}
	got, err := l.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Same(t, req, got)

	resp := &Response{Seq: 4, Op: "relu", Error: errors.New("boom"), Kind: "remote"}
	gotResp, err := l.ProcessResponse(context.Background(), resp)
	require.NoError(t, err)
	assert.Same(t, resp, gotResp)
}
