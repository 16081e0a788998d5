package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var ErrUnknownMethod = errors.New("unknown method")

// Payload is the call data understood by a Router.
type Payload struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// EncodeCall builds call data invoking method with args.
func EncodeCall(method string, args interface{}) ([]byte, error) {
	p := Payload{Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", method, err)
		}
		p.Args = raw
	}
	return json.Marshal(p)
}

// Method handles a routed call from caller.
type Method func(ctx context.Context, caller contracts.Address, args json.RawMessage) error

// Router is a Handler dispatching JSON payloads to named methods. It lets an
// executed batch invoke admin methods of in-process components with the
// governed account as caller.
type Router struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{methods: make(map[string]Method)}
}

// Register binds name to m.
func (r *Router) Register(name string, m Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = m
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, call Call) error {
	if call.Delegate {
		return fmt.Errorf("%w: router does not accept delegatecall", ErrUnsupportedOperation)
	}
	var p Payload
	if err := json.Unmarshal(call.Data, &p); err != nil {
		return fmt.Errorf("decode call payload: %w", err)
	}
	r.mu.RLock()
	m, ok := r.methods[p.Method]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMethod, p.Method)
	}
	return m(ctx, call.Caller, p.Args)
}
