// Package commands brokers shell commands to the remote agent and keeps the
// outcome of recent commands for later inspection.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/rs/zerolog"
)

const (
	DefaultTimeout         = 2 * time.Minute
	DefaultApprovalTimeout = 5 * time.Minute
	DefaultHistory         = 256
)

var ErrApprovalDenied = errors.New("approval denied")

// Request is what the agent receives from a poll.
type Request struct {
	ID               string `json:"id"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"working_directory,omitempty"`
}

// Result is what the agent submits after running a command.
type Result struct {
	CommandID  string `json:"command_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitStatus *int   `json:"exit_status,omitempty"`
}

// Failed reports whether the agent flagged the command as failed.
func (r *Result) Failed() bool {
	return r.Error != "" || (r.ExitStatus != nil && *r.ExitStatus != 0)
}

// Approver asks a human to allow a tool invocation.
type Approver interface {
	RequestApproval(ctx context.Context, sessionID, toolName, toolInput string, timeout time.Duration) bool
}

// SessionLookup resolves the working directory registered for a session.
type SessionLookup interface {
	WorkingDirectory(sessionID string) (string, bool)
}

// Option configures a Service.
type Option func(*Service)

// WithApprover gates session-attached commands on approver.
func WithApprover(a Approver) Option {
	return func(s *Service) {
		s.approver = a
	}
}

// WithSessions fills in missing working directories from the session registry.
func WithSessions(l SessionLookup) Option {
	return func(s *Service) {
		s.sessions = l
	}
}

// WithTimeout sets the command timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.SetTimeout(d)
	}
}

// WithHistory sets how many completed results are kept for GetCommandStatus.
func WithHistory(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.history = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithObserver forwards broker events to obs.
func WithObserver(obs ...broker.Observer) Option {
	return func(s *Service) {
		s.brokerOpts = append(s.brokerOpts, broker.WithObserver(obs...))
	}
}

// Service is the command broker.
type Service struct {
	ops        *broker.Broker[Request, Result]
	completed  *lru.Cache[string, Result]
	approver   Approver
	sessions   SessionLookup
	history    int
	log        zerolog.Logger
	brokerOpts []broker.Option

	mu              sync.RWMutex
	timeout         time.Duration
	approvalTimeout time.Duration
}

// NewService creates a command broker.
func NewService(opts ...Option) *Service {
	s := &Service{
		log:             zerolog.Nop(),
		history:         DefaultHistory,
		timeout:         DefaultTimeout,
		approvalTimeout: DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "commands").Logger()

	// lru.New only fails for a non-positive size.
	s.completed, _ = lru.New[string, Result](s.history)

	s.ops = broker.New[Request, Result]("commands", s.brokerOpts...)
	return s
}

// SetTimeout replaces the command timeout. Non-positive values are ignored.
func (s *Service) SetTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// SetApprovalTimeout replaces the approval timeout. Non-positive values are ignored.
func (s *Service) SetApprovalTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.approvalTimeout = d
	s.mu.Unlock()
}

func (s *Service) timeouts() (cmd, approval time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout, s.approvalTimeout
}

// QueueCommand runs command on the agent and waits for its result. A result
// whose Error is set is still returned; only a timeout, a cancelled context
// or a denied approval yields a nil result.
func (s *Service) QueueCommand(ctx context.Context, command, workingDirectory, sessionID string) (*Result, error) {
	ticket, err := s.enqueue(ctx, command, workingDirectory, sessionID)
	if err != nil {
		return nil, err
	}

	timeout, _ := s.timeouts()
	res, err := ticket.Wait(ctx, timeout)
	if err != nil {
		s.log.Warn().Err(err).Str("command_id", ticket.ID).Msg("command not completed")
		return nil, fmt.Errorf("run command %s: %w", ticket.ID, err)
	}
	if res.Error != "" {
		s.log.Info().Str("command_id", ticket.ID).Str("error", res.Error).Msg("agent reported error")
	}
	return &res, nil
}

// StartCommand queues command and returns its id without waiting. The
// outcome is available from GetCommandStatus once the agent reports it.
func (s *Service) StartCommand(ctx context.Context, command, workingDirectory, sessionID string) (string, error) {
	ticket, err := s.enqueue(ctx, command, workingDirectory, sessionID)
	if err != nil {
		return "", err
	}
	return ticket.ID, nil
}

func (s *Service) enqueue(ctx context.Context, command, workingDirectory, sessionID string) (*broker.Ticket[Request, Result], error) {
	_, approvalTimeout := s.timeouts()

	if workingDirectory == "" && sessionID != "" && s.sessions != nil {
		if wd, ok := s.sessions.WorkingDirectory(sessionID); ok {
			workingDirectory = wd
		}
	}

	if sessionID != "" && s.approver != nil {
		if !s.approver.RequestApproval(ctx, sessionID, "Bash", command, approvalTimeout) {
			s.log.Info().Str("session_id", sessionID).Str("command", command).Msg("command denied")
			return nil, ErrApprovalDenied
		}
	}

	req := Request{Command: command, WorkingDirectory: workingDirectory}
	ticket := s.ops.Enqueue("command", workingDirectory, req)
	s.log.Debug().Str("command_id", ticket.ID).Str("command", command).Msg("command queued")
	return ticket, nil
}

// PollPendingCommand hands the oldest pending command to the agent, or nil.
func (s *Service) PollPendingCommand() *Request {
	op, ok := s.ops.Poll(nil)
	if !ok {
		return nil
	}
	req := op.Payload
	req.ID = op.ID
	return &req
}

// SubmitResult completes the command named by res.CommandID. It reports
// whether a caller was waiting for it.
func (s *Service) SubmitResult(res Result) bool {
	if !s.ops.Submit(res.CommandID, res) {
		s.log.Debug().Str("command_id", res.CommandID).Msg("result for unknown command ignored")
		return false
	}
	s.completed.Add(res.CommandID, res)
	return true
}

// GetCommandStatus returns the result of a recently completed command, or nil.
func (s *Service) GetCommandStatus(id string) *Result {
	res, ok := s.completed.Get(id)
	if !ok {
		return nil
	}
	return &res
}

// IsPending reports whether id is live, pending or dispatched.
func (s *Service) IsPending(id string) bool {
	return s.ops.Status(id) != ""
}

// GetPendingStatus returns "pending" or "dispatched" for a live command, or
// "" when id is unknown or already completed.
func (s *Service) GetPendingStatus(id string) string {
	return string(s.ops.Status(id))
}

// Pending returns the number of live commands.
func (s *Service) Pending() int {
	return s.ops.Len()
}

// Sweep drops commands whose caller gave up before cutoff.
func (s *Service) Sweep(cutoff time.Time) int {
	return s.ops.Sweep(cutoff)
}
