package emulator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/idl"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// CallRequest is a call from an outer surface. Arguments are either raw
// Candid bytes (hex in JSON) or JSON values typed by the method signature.
type CallRequest struct {
	Canister principal.Principal `json:"canister"`
	Method   string              `json:"method"`
	Sender   principal.Principal `json:"sender"`
	ArgHex   string              `json:"arg_hex,omitempty"`
	Args     []any               `json:"args,omitempty"`
	// Query forces query execution for methods without a description.
	Query bool `json:"query,omitempty"`
}

// CallResult is the terminal message plus the decoded reply, when the
// method signature is known.
type CallResult struct {
	Message *models.Message `json:"message"`
	Reply   []any           `json:"reply,omitempty"`
}

// Call runs a query or an update and waits for its outcome. Updates are
// admitted through inspect_message and stored; queries are not.
func (e *Emulator) Call(ctx context.Context, req CallRequest) (*CallResult, error) {
	if req.Method == "" {
		return nil, fmt.Errorf("emulator: %w: method is required", apperr.ErrInvalidArgument)
	}
	if req.Sender.Len() == 0 {
		req.Sender = principal.Anonymous
	}
	sig, described := e.lookupMethod(req.Canister, req.Method)
	arg, err := encodeArgs(req, sig, described)
	if err != nil {
		return nil, err
	}

	query := req.Query
	if described {
		query = sig.IsQuery()
	}
	var m *models.Message
	if query {
		m = models.NewQuery(req.Canister, req.Sender, req.Method, arg)
		if err := e.replica.Query(ctx, m); err != nil {
			return nil, fmt.Errorf("emulator: query %s: %w", req.Method, err)
		}
	} else {
		m = models.NewUpdate(req.Canister, req.Sender, req.Method, arg)
		if _, err := e.replica.Submit(ctx, m); err != nil {
			return nil, fmt.Errorf("emulator: call %s: %w", req.Method, err)
		}
		if err := e.replica.ProcessMessages(ctx); err != nil {
			return nil, fmt.Errorf("emulator: call %s: %w", req.Method, err)
		}
		if stored, ok := e.replica.Message(m.ID); ok {
			m = stored
		}
	}

	res := &CallResult{Message: m}
	if described && sig.Valid && m.Status == models.StatusOk {
		vals, err := idl.Decode(m.Result, sig.Rets...)
		if err != nil {
			// The raw reply is still on the message.
			e.logger.Debug("reply does not match signature",
				slog.String("canister", req.Canister.String()),
				slog.String("method", req.Method),
				slog.String("error", err.Error()))
			return res, nil
		}
		res.Reply = make([]any, len(vals))
		for i, v := range vals {
			res.Reply[i] = idl.ToJSON(v)
		}
	}
	return res, nil
}

func encodeArgs(req CallRequest, sig *idl.ServiceMethod, described bool) ([]byte, error) {
	if req.ArgHex != "" {
		if req.Args != nil {
			return nil, fmt.Errorf("emulator: %w: give arg_hex or args, not both", apperr.ErrInvalidArgument)
		}
		arg, err := hex.DecodeString(req.ArgHex)
		if err != nil {
			return nil, fmt.Errorf("emulator: %w: arg_hex: %v", apperr.ErrInvalidArgument, err)
		}
		return arg, nil
	}
	if len(req.Args) == 0 && (!described || len(sig.Args) == 0) {
		return idl.Encode(nil, nil)
	}
	if !described {
		return nil, fmt.Errorf("emulator: %w: %s has no interface description, pass arg_hex", apperr.ErrInvalidArgument, req.Canister)
	}
	if !sig.Valid {
		return nil, fmt.Errorf("emulator: %w: method %q has an unsupported signature", apperr.ErrInvalidArgument, req.Method)
	}
	if len(req.Args) != len(sig.Args) {
		return nil, fmt.Errorf("emulator: %w: %s takes %d arguments, got %d", apperr.ErrInvalidArgument, req.Method, len(sig.Args), len(req.Args))
	}
	vals := make([]any, len(req.Args))
	for i, a := range req.Args {
		v, err := idl.FromJSON(sig.Args[i], a)
		if err != nil {
			return nil, fmt.Errorf("emulator: %w: argument %d: %v", apperr.ErrInvalidArgument, i, err)
		}
		vals[i] = v
	}
	arg, err := idl.Encode(sig.Args, vals)
	if err != nil {
		return nil, fmt.Errorf("emulator: %w: %v", apperr.ErrInvalidArgument, err)
	}
	return arg, nil
}
