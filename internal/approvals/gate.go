// Package approvals runs human-consent round trips through the broker,
// keyed by session.
package approvals

import (
	"context"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/rs/zerolog"
)

// Request is what the remote side shows the human.
type Request struct {
	ApprovalID string `json:"approval_id"`
	SessionID  string `json:"session_id"`
	ToolName   string `json:"tool_name"`
	ToolInput  string `json:"tool_input"`
}

// Response is the human's answer.
type Response struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

// Gate brokers approval requests. The operation target is the session id,
// the kind is the tool name and the payload is the tool input.
type Gate struct {
	ops *broker.Broker[string, bool]
	log zerolog.Logger
}

// Option configures a Gate.
type Option func(*gateOptions)

type gateOptions struct {
	brokerOpts []broker.Option
	log        zerolog.Logger
}

// WithObserver forwards broker events to obs.
func WithObserver(obs ...broker.Observer) Option {
	return func(o *gateOptions) {
		o.brokerOpts = append(o.brokerOpts, broker.WithObserver(obs...))
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *gateOptions) {
		o.log = l
	}
}

// NewGate creates an approval gate.
func NewGate(opts ...Option) *Gate {
	o := gateOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Gate{
		ops: broker.New[string, bool]("approvals", o.brokerOpts...),
		log: o.log.With().Str("component", "approvals").Logger(),
	}
}

// RequestApproval blocks until the session's human answers or the timeout
// elapses. Anything but an explicit approval is a denial.
func (g *Gate) RequestApproval(ctx context.Context, sessionID, toolName, toolInput string, timeout time.Duration) bool {
	ticket := g.ops.Enqueue(toolName, sessionID, toolInput)
	g.log.Info().
		Str("approval_id", ticket.ID).
		Str("session_id", sessionID).
		Str("tool", toolName).
		Msg("approval requested")

	approved, err := ticket.Wait(ctx, timeout)
	if err != nil {
		g.log.Warn().Err(err).Str("approval_id", ticket.ID).Msg("approval not answered, denying")
		return false
	}
	g.log.Info().Str("approval_id", ticket.ID).Bool("approved", approved).Msg("approval answered")
	return approved
}

// PollPendingApproval returns the oldest undelivered request for sessionID,
// or nil. Requests of other sessions are never returned.
func (g *Gate) PollPendingApproval(sessionID string) *Request {
	op, ok := g.ops.Poll(func(op broker.Operation[string]) bool {
		return op.Target == sessionID
	})
	if !ok {
		return nil
	}
	return &Request{
		ApprovalID: op.ID,
		SessionID:  op.Target,
		ToolName:   op.Kind,
		ToolInput:  op.Payload,
	}
}

// SubmitResponse answers a request. It reports whether the id matched a
// waiting request; unmatched ids are ignored.
func (g *Gate) SubmitResponse(approvalID string, approved bool) bool {
	matched := g.ops.Submit(approvalID, approved)
	if !matched {
		g.log.Debug().Str("approval_id", approvalID).Msg("response for unknown approval ignored")
	}
	return matched
}

// Pending returns the number of unanswered requests.
func (g *Gate) Pending() int {
	return g.ops.Len()
}

// Sweep drops requests whose requester gave up before cutoff.
func (g *Gate) Sweep(cutoff time.Time) int {
	return g.ops.Sweep(cutoff)
}
