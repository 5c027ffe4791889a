package agent

import (
	"context"
	"fmt"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/principal"
)

// Actor calls the methods of one canister by name, encoding arguments and
// decoding results with its service description.
type Actor struct {
	agent    *Agent
	canister principal.Principal
	service  *idl.Service
}

// Actor binds service to canister.
func (a *Agent) Actor(canister principal.Principal, service *idl.Service) *Actor {
	return &Actor{agent: a, canister: canister, service: service}
}

// Methods lists the callable methods.
func (ac *Actor) Methods() []*idl.ServiceMethod { return ac.service.Methods() }

// Call invokes method as a query or an update, as annotated.
func (ac *Actor) Call(ctx context.Context, method string, args ...any) ([]any, error) {
	sig, ok := ac.service.Method(method)
	if !ok {
		return nil, fmt.Errorf("agent: %w: %s has no method %q", apperr.ErrNotFound, ac.canister, method)
	}
	if !sig.Valid {
		return nil, fmt.Errorf("agent: %w: method %q has an unsupported signature", apperr.ErrInvalidArgument, method)
	}
	arg, err := idl.Encode(sig.Args, args)
	if err != nil {
		return nil, fmt.Errorf("agent: %s args: %w", method, err)
	}

	var reply []byte
	if sig.IsQuery() {
		reply, err = ac.agent.Query(ctx, ac.canister, method, arg)
	} else {
		reply, err = ac.agent.CallAndWait(ctx, ac.canister, method, arg)
	}
	if err != nil {
		return nil, err
	}
	out, err := idl.Decode(reply, sig.Rets...)
	if err != nil {
		return nil, fmt.Errorf("agent: %s reply: %w", method, err)
	}
	return out, nil
}
