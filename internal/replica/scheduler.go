package replica

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/starford/lightic/internal/apperr"
	"github.com/starford/lightic/internal/models"
	"github.com/starford/lightic/internal/principal"
)

const noResponse = "canister did not reply to the call"

// StoreMessage adds m to the message table and assigns it an id when it has
// none. The target does not have to exist yet.
func (r *Replica) StoreMessage(m *models.Message) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storeMessage(m)
}

func (r *Replica) storeMessage(m *models.Message) string {
	if m.ID == "" {
		m.ID = strconv.FormatUint(r.nextMessage, 10)
		r.nextMessage++
	}
	if _, known := r.messages[m.ID]; !known {
		r.order = append(r.order, m.ID)
	}
	r.messages[m.ID] = m
	if m.Status == models.StatusNew {
		r.queue = append(r.queue, m)
	}
	return m.ID
}

// Message looks up a stored message.
func (r *Replica) Message(id string) (*models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	return m, ok
}

// ProcessMessages drains the queue: every New message runs, and so does
// everything it transitively causes, before it returns. An error means the
// emulator itself failed.
func (r *Replica) ProcessMessages(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drain(ctx)
}

// Execute stores m and drains the queue in one serialized step.
func (r *Replica) Execute(ctx context.Context, m *models.Message) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeMessage(m)
	if err := r.drain(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// Submit admits an ingress update: the target's inspect_message hook may
// decline it, in which case a *apperr.Reject is returned and nothing is
// stored. The message runs on the next drain.
func (r *Replica) Submit(ctx context.Context, m *models.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.canisters[m.Target]; ok && m.Source == models.SourceIngress && m.Type == models.CallUpdate {
		if err := c.Inspect(ctx, m); err != nil {
			return "", err
		}
	}
	return r.storeMessage(m), nil
}

// Query runs a query message immediately without storing it.
func (r *Replica) Query(ctx context.Context, m *models.Message) error {
	if m.Type != models.CallQuery {
		return fmt.Errorf("replica: %w: %s is not a query", apperr.ErrInvalidArgument, m.Method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatch(ctx, m)
}

func (r *Replica) drain(ctx context.Context) error {
	if r.draining {
		return nil
	}
	r.draining = true
	defer func() { r.draining = false }()

	for len(r.queue) > 0 {
		m := r.queue[0]
		r.queue[0] = nil
		r.queue = r.queue[1:]
		if m.Status != models.StatusNew {
			continue
		}
		if err := r.dispatch(ctx, m); err != nil {
			return fmt.Errorf("replica: message %s: %w", m.ID, err)
		}
		r.settle(m)

		if m.Type.IsCallback() {
			r.delivered[m.Origin] = true
			if callCtx, ok := r.messages[m.ReplyContext]; ok {
				r.checkStuck(callCtx)
				r.settle(callCtx)
			}
		}
	}
	return nil
}

func (r *Replica) dispatch(ctx context.Context, m *models.Message) error {
	if m.Target.IsManagement() {
		return r.mgmt.ProcessMessage(ctx, m)
	}
	c, ok := r.canisters[m.Target]
	if !ok {
		return m.Fail(models.RejectDestinationInvalid, fmt.Sprintf("canister %s not found", m.Target))
	}
	return c.ProcessMessage(ctx, m)
}

// settle reports a message that just became terminal, once, and answers
// inter-canister calls with a callback to the caller.
func (r *Replica) settle(m *models.Message) {
	if !m.Terminal() || r.settled[m.ID] {
		return
	}
	r.settled[m.ID] = true
	r.logger.Debug("message completed",
		slog.String("message", m.ID),
		slog.String("canister", m.Target.String()),
		slog.String("method", m.Method),
		slog.String("status", m.Status.String()))
	r.notify(Event{Kind: EventMessage, Message: m})

	if m.Source == models.SourceInterCanister && !m.Type.IsCallback() {
		r.storeMessage(models.NewCallback(m))
	}
}

// checkStuck fails a call context that is still open although every call it
// made has been answered.
func (r *Replica) checkStuck(callCtx *models.Message) {
	if callCtx.Status != models.StatusProcessing {
		return
	}
	for _, id := range callCtx.RelatedMessages {
		if !r.delivered[id] {
			return
		}
	}
	if err := callCtx.Reject(models.RejectCanisterError, noResponse); err != nil {
		r.logger.Error("fail stuck call", slog.String("message", callCtx.ID), slog.String("error", err.Error()))
	}
}

// MessageFilter narrows Messages. Zero fields match everything.
type MessageFilter struct {
	Canister *principal.Principal
	Method   string
	Limit    int
}

// Messages lists stored messages, newest first.
func (r *Replica) Messages(f MessageFilter) []*models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for i := len(r.order) - 1; i >= 0; i-- {
		m := r.messages[r.order[i]]
		if f.Canister != nil && m.Target != *f.Canister {
			continue
		}
		if f.Method != "" && m.Method != f.Method {
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}
