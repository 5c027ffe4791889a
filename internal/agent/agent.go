// Package agent is an in-process client of the replica. It speaks the same
// request flow as a network agent: updates are submitted and their outcome
// is read back from a certificate, queries are answered directly.
package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/certification"
	"github.com/starford/lightic/internal/hashtree"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

// ErrPending is returned by WaitForResponse for a request that has not
// reached a terminal status.
var ErrPending = errors.New("agent: request still processing")

// Backend is the replica surface the agent needs.
type Backend interface {
	Submit(ctx context.Context, m *models.Message) (string, error)
	ProcessMessages(ctx context.Context) error
	Query(ctx context.Context, m *models.Message) error
	ReadState(paths [][][]byte) *certification.Certificate
	RootKey() []byte
}

// Agent sends requests as one identity.
type Agent struct {
	backend  Backend
	identity principal.Principal
}

func New(backend Backend, identity principal.Principal) *Agent {
	return &Agent{backend: backend, identity: identity}
}

// Principal is the identity requests are sent as.
func (a *Agent) Principal() principal.Principal { return a.identity }

// RootKey is the DER key certificates are verified with.
func (a *Agent) RootKey() []byte { return a.backend.RootKey() }

// Call submits an update and processes it. The returned request id is
// resolved with WaitForResponse.
func (a *Agent) Call(ctx context.Context, canister principal.Principal, method string, arg []byte) (string, error) {
	m := models.NewUpdate(canister, a.identity, method, arg)
	nonce := uuid.New()
	m.Nonce = nonce[:]
	id, err := a.backend.Submit(ctx, m)
	if err != nil {
		return "", fmt.Errorf("agent: call %s: %w", method, err)
	}
	if err := a.backend.ProcessMessages(ctx); err != nil {
		return id, fmt.Errorf("agent: call %s: %w", method, err)
	}
	return id, nil
}

// Query runs a query and returns the reply bytes. A rejection comes back as
// a *apperr.Reject.
func (a *Agent) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	m := models.NewQuery(canister, a.identity, method, arg)
	if err := a.backend.Query(ctx, m); err != nil {
		return nil, fmt.Errorf("agent: query %s: %w", method, err)
	}
	if m.Status == models.StatusError {
		return nil, apperr.NewReject(int(m.RejectionCode), "%s", m.RejectionMessage)
	}
	return m.Result, nil
}

// ReadState fetches a certificate for paths and verifies it.
func (a *Agent) ReadState(_ context.Context, paths [][][]byte) (*certification.Certificate, error) {
	cert := a.backend.ReadState(paths)
	if err := cert.Verify(a.backend.RootKey()); err != nil {
		return nil, fmt.Errorf("agent: read_state: %w", err)
	}
	return cert, nil
}

// WaitForResponse reads the status of a request from a fresh certificate.
// A replied request yields its reply; a rejected one a *apperr.Reject.
func (a *Agent) WaitForResponse(ctx context.Context, requestID string) ([]byte, error) {
	cert, err := a.ReadState(ctx, [][][]byte{hashtree.Path("request_status", requestID)})
	if err != nil {
		return nil, err
	}
	status, res := cert.Lookup("request_status", requestID, "status")
	if res != hashtree.Found {
		return nil, fmt.Errorf("agent: request %s: %w", requestID, apperr.ErrNotFound)
	}
	switch string(status) {
	case certification.StatusReplied:
		reply, _ := cert.Lookup("request_status", requestID, "reply")
		return reply, nil
	case certification.StatusRejected:
		raw, _ := cert.Lookup("request_status", requestID, "reject_code")
		code, _ := binary.Uvarint(raw)
		text, _ := cert.Lookup("request_status", requestID, "reject_message")
		return nil, apperr.NewReject(int(code), "%s", text)
	}
	return nil, fmt.Errorf("agent: request %s is %s: %w", requestID, status, ErrPending)
}

// CallAndWait submits an update and returns its outcome.
func (a *Agent) CallAndWait(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	id, err := a.Call(ctx, canister, method, arg)
	if err != nil {
		return nil, err
	}
	return a.WaitForResponse(ctx, id)
}
