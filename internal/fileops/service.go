// Package fileops brokers file reads, writes and listings to the remote
// agent. Writes attached to a session pass an approval gate first.
package fileops

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hyper-ai-inc/pullbroker/internal/broker"
	"github.com/rs/zerolog"
)

const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultApprovalTimeout = 5 * time.Minute
)

// Approver asks a human to allow a tool invocation.
type Approver interface {
	RequestApproval(ctx context.Context, sessionID, toolName, toolInput string, timeout time.Duration) bool
}

// Option configures a Service.
type Option func(*Service)

// WithApprover gates session-attached writes on approver.
func WithApprover(a Approver) Option {
	return func(s *Service) {
		s.approver = a
	}
}

// WithTimeouts sets the read, write and approval timeouts. Zero values keep
// the current setting.
func WithTimeouts(read, write, approval time.Duration) Option {
	return func(s *Service) {
		s.setTimeouts(read, write, approval)
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

// Service is the file operation broker.
type Service struct {
	ops        *broker.Broker[string, Result]
	approver   Approver
	log        zerolog.Logger
	brokerOpts []broker.Option

	mu              sync.RWMutex
	readTimeout     time.Duration
	writeTimeout    time.Duration
	approvalTimeout time.Duration
}

// NewService creates a file operation broker.
func NewService(opts ...Option) *Service {
	s := &Service{
		log:             zerolog.Nop(),
		readTimeout:     DefaultReadTimeout,
		writeTimeout:    DefaultWriteTimeout,
		approvalTimeout: DefaultApprovalTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "fileops").Logger()
	s.ops = broker.New[string, Result]("files", s.brokerOpts...)
	return s
}

// SetTimeouts replaces the timeouts used by subsequent calls. Zero values
// keep the current setting.
func (s *Service) SetTimeouts(read, write, approval time.Duration) {
	s.setTimeouts(read, write, approval)
}

func (s *Service) setTimeouts(read, write, approval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if read > 0 {
		s.readTimeout = read
	}
	if write > 0 {
		s.writeTimeout = write
	}
	if approval > 0 {
		s.approvalTimeout = approval
	}
}

func (s *Service) timeouts() (read, write, approval time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readTimeout, s.writeTimeout, s.approvalTimeout
}

// ReadFile asks the agent for the content of path. When maxSize is positive
// and the content is longer, only the first maxSize characters are returned.
func (s *Service) ReadFile(ctx context.Context, path string, maxSize int) (*ReadResult, error) {
	read, _, _ := s.timeouts()
	res, err := s.roundTrip(ctx, OpRead, path, "", read)
	if err != nil {
		return nil, err
	}
	return truncate(res.Content, maxSize), nil
}

func truncate(content string, maxSize int) *ReadResult {
	runes := []rune(content)
	total := len(runes)
	if maxSize > 0 && total > maxSize {
		return &ReadResult{
			Content:   string(runes[:maxSize]),
			Truncated: true,
			TotalSize: total,
		}
	}
	return &ReadResult{Content: content, TotalSize: total}
}

// ListDirectory asks the agent for the entries of path.
func (s *Service) ListDirectory(ctx context.Context, path string) (*Listing, error) {
	read, _, _ := s.timeouts()
	res, err := s.roundTrip(ctx, OpList, path, "", read)
	if err != nil {
		return nil, err
	}
	entries := res.Entries
	if entries == nil {
		entries = []FileEntry{}
	}
	return &Listing{Path: path, Entries: entries}, nil
}

// WriteFile asks the agent to write content to path. With a session id and
// an approver, the write is offered for approval first and never enqueued
// when denied.
func (s *Service) WriteFile(ctx context.Context, path, content, sessionID string) error {
	_, write, approval := s.timeouts()

	if sessionID != "" && s.approver != nil {
		desc := fmt.Sprintf("Write %s to %s", humanize.Bytes(uint64(len(content))), path)
		if !s.approver.RequestApproval(ctx, sessionID, "Write", desc, approval) {
			s.log.Info().Str("path", path).Str("session_id", sessionID).Msg("write denied")
			return ErrApprovalDenied
		}
	}

	_, err := s.roundTrip(ctx, OpWrite, path, content, write)
	return err
}

func (s *Service) roundTrip(ctx context.Context, op, path, content string, timeout time.Duration) (Result, error) {
	ticket := s.ops.Enqueue(op, path, content)
	s.log.Debug().Str("op_id", ticket.ID).Str("op", op).Str("path", path).Msg("operation queued")

	res, err := ticket.Wait(ctx, timeout)
	if err != nil {
		s.log.Warn().Err(err).Str("op_id", ticket.ID).Str("op", op).Str("path", path).Msg("operation not completed")
		return Result{}, fmt.Errorf("%s %s: %w", op, path, err)
	}
	if res.Error != "" {
		s.log.Info().Str("op_id", ticket.ID).Str("op", op).Str("path", path).Str("error", res.Error).Msg("agent reported error")
		return Result{}, &RemoteError{Op: op, Path: path, Message: res.Error}
	}
	return res, nil
}

// PollPendingOperation hands the oldest pending operation to the agent, or
// returns nil when there is none.
func (s *Service) PollPendingOperation() *Operation {
	op, ok := s.ops.Poll(nil)
	if !ok {
		return nil
	}
	return &Operation{
		ID:        op.ID,
		Operation: op.Kind,
		Path:      op.Target,
		Content:   op.Payload,
		Status:    string(op.Status),
	}
}

// SubmitResult completes the operation named by res.OpID. It reports whether
// a caller was waiting for it.
func (s *Service) SubmitResult(res Result) bool {
	matched := s.ops.Submit(res.OpID, res)
	if !matched {
		s.log.Debug().Str("op_id", res.OpID).Msg("result for unknown operation ignored")
	}
	return matched
}

// Pending returns the number of operations not yet completed.
func (s *Service) Pending() int {
	return s.ops.Len()
}

// Sweep drops operations whose caller gave up before cutoff.
func (s *Service) Sweep(cutoff time.Time) int {
	return s.ops.Sweep(cutoff)
}
