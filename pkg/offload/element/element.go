// Package element defines interceptors that observe or rewrite offload
// dispatches before they are sent and after their outcome is known.
package element

import (
	"context"
	"time"

	"github.com/pocket-bench/pocket/pkg/operand"
	"github.com/pocket-bench/pocket/pkg/serializer"
)

// Request is an outgoing dispatch. Seq is assigned by the channel and must not be changed.
type Request struct {
	Seq      uint64
	Op       string
	Operands []*operand.Operand
}

// Response is the outcome of a dispatch: a decoded worker response or an error.
type Response struct {
	Seq     uint64
	Op      string
	Result  *serializer.Response
	Error   error
	Kind    string // error kind, empty on success
	Elapsed time.Duration
}

// Element defines the interface for dispatch elements
type Element interface {
	// ProcessRequest runs before the request is encoded and sent
	ProcessRequest(ctx context.Context, req *Request) (*Request, error)

	// ProcessResponse runs after the dispatch completed or failed
	ProcessResponse(ctx context.Context, resp *Response) (*Response, error)

	// Name returns the name of the element
	Name() string
}

// Chain runs elements in order for requests and in reverse order for responses.
type Chain struct {
	elements []Element
}

// NewChain creates a new chain of elements
func NewChain(elements ...Element) *Chain {
	return &Chain{
		elements: elements,
	}
}

// Len returns the number of elements in the chain.
func (c *Chain) Len() int { return len(c.elements) }

// ProcessRequest processes the request through all elements in the chain
func (c *Chain) ProcessRequest(ctx context.Context, req *Request) (*Request, error) {
	var err error
	for _, element := range c.elements {
		req, err = element.ProcessRequest(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

// ProcessResponse processes the response through all elements in reverse order
func (c *Chain) ProcessResponse(ctx context.Context, resp *Response) (*Response, error) {
	var err error
	for i := len(c.elements) - 1; i >= 0; i-- {
		resp, err = c.elements[i].ProcessResponse(ctx, resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}
