// Package agent is the remote side of the broker: it pulls operations,
// performs them on the local machine and reports the outcome.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/approvals"
	"github.com/hyper-ai-inc/pullbroker/internal/notify"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State represents the agent's current state
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// Queues the agent drains.
const (
	QueueFiles     = "files"
	QueueCommands  = "commands"
	QueueApprovals = "approvals"
)

var ErrAgentStopped = errors.New("agent is stopped")

// Options configures a Controller.
type Options struct {
	// SessionID attaches to an existing session. When empty a session is
	// created on Run.
	SessionID        string
	WorkingDirectory string
	ClientVersion    string
	PollInterval     time.Duration
}

// Controller runs the poll loops of one agent.
type Controller struct {
	client   *Client
	exec     *Executor
	prompter Prompter
	opts     Options
	log      zerolog.Logger

	wake map[string]chan struct{}

	mu        sync.RWMutex
	state     State
	sessionID string
	cancel    context.CancelFunc
}

// NewController creates a controller. Run starts it.
func NewController(client *Client, exec *Executor, prompter Prompter, opts Options, log zerolog.Logger) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	c := &Controller{
		client:    client,
		exec:      exec,
		prompter:  prompter,
		opts:      opts,
		log:       log.With().Str("component", "agent").Logger(),
		wake:      make(map[string]chan struct{}),
		state:     StateRunning,
		sessionID: opts.SessionID,
	}
	for _, q := range []string{QueueFiles, QueueCommands, QueueApprovals} {
		c.wake[q] = make(chan struct{}, 1)
	}
	return c
}

// State returns the agent's current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SessionID returns the session the agent answers approvals for.
func (c *Controller) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Pause stops pulling new work. Work already taken is finished.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return ErrAgentStopped
	}
	c.state = StatePaused
	return nil
}

// Resume continues pulling work.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrAgentStopped
	}
	c.state = StateRunning
	c.mu.Unlock()

	for q := range c.wake {
		c.Wake(q)
	}
	return nil
}

// Stop ends Run. It is safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.state = StateStopped
	return nil
}

// Wake makes the loop for queue poll now.
func (c *Controller) Wake(queue string) {
	ch, ok := c.wake[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run registers a session if needed and drains every queue until ctx is
// done or Stop is called.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return ErrAgentStopped
	}
	c.cancel = cancel
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		s, err := c.client.CreateSession(ctx, c.opts.WorkingDirectory, c.opts.ClientVersion)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.sessionID = s.ID
		c.mu.Unlock()
		c.log.Info().Str("session_id", s.ID).Msg("session created")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { c.loop(ctx, QueueFiles, c.drainFiles); return nil })
	g.Go(func() error { c.loop(ctx, QueueCommands, c.drainCommands); return nil })
	g.Go(func() error { c.loop(ctx, QueueApprovals, c.drainApprovals); return nil })
	g.Go(func() error { c.listen(ctx); return nil })
	err := g.Wait()

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return err
}

func (c *Controller) paused() bool {
	return c.State() != StateRunning
}

func (c *Controller) loop(ctx context.Context, queue string, drain func(context.Context) error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		if !c.paused() {
			if err := drain(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Str("queue", queue).Msg("poll failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake[queue]:
		}
	}
}

func (c *Controller) drainFiles(ctx context.Context) error {
	for !c.paused() {
		op, err := c.client.PollFile(ctx)
		if err != nil || op == nil {
			return err
		}
		res := c.exec.File(*op)
		c.log.Debug().Str("op_id", op.ID).Str("op", op.Operation).Str("path", op.Path).Str("error", res.Error).Msg("file operation done")
		if _, err := c.client.SubmitFile(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) drainCommands(ctx context.Context) error {
	for !c.paused() {
		req, err := c.client.PollCommand(ctx)
		if err != nil || req == nil {
			return err
		}
		c.log.Info().Str("command_id", req.ID).Str("command", req.Command).Msg("running command")
		res := c.exec.Command(ctx, *req)
		if _, err := c.client.SubmitCommand(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) drainApprovals(ctx context.Context) error {
	for !c.paused() {
		req, err := c.client.PollApproval(ctx, c.SessionID())
		if err != nil || req == nil {
			return err
		}
		approved := c.prompter.Approve(*req)
		c.log.Info().Str("approval_id", req.ApprovalID).Str("tool", req.ToolName).Bool("approved", approved).Msg("approval answered")
		if _, err := c.client.RespondApproval(ctx, approvals.Response{ApprovalID: req.ApprovalID, Approved: approved}); err != nil {
			return err
		}
	}
	return nil
}

// listen keeps the wake channel open, reconnecting after failures. Polling
// continues on the ticker while it is down.
func (c *Controller) listen(ctx context.Context) {
	for ctx.Err() == nil {
		conn, err := c.client.DialEvents(ctx, c.SessionID())
		if err != nil {
			c.log.Debug().Err(err).Msg("wake channel unavailable")
		} else {
			closed := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					conn.Close()
				case <-closed:
				}
			}()
			for {
				var w notify.Wake
				if err := conn.ReadJSON(&w); err != nil {
					break
				}
				c.Wake(w.Queue)
			}
			close(closed)
			conn.Close()
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.opts.PollInterval):
		}
	}
}
