package fileops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/pullbroker/internal/broker"
)

type mockApprover struct {
	mu       sync.Mutex
	approve  bool
	calls    int
	sessions []string
	tools    []string
	inputs   []string
}

func (m *mockApprover) RequestApproval(ctx context.Context, sessionID, toolName, toolInput string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.sessions = append(m.sessions, sessionID)
	m.tools = append(m.tools, toolName)
	m.inputs = append(m.inputs, toolInput)
	return m.approve
}

func waitForOperation(s *Service) *Operation {
	for i := 0; i < 100; i++ {
		if op := s.PollPendingOperation(); op != nil {
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

type readOutcome struct {
	res *ReadResult
	err error
}

func TestReadFile(t *testing.T) {
	s := NewService()

	done := make(chan readOutcome, 1)
	go func() {
		res, err := s.ReadFile(context.Background(), "C:\\test.txt", 0)
		done <- readOutcome{res, err}
	}()

	op := waitForOperation(s)
	if op == nil {
		t.Fatal("expected pending operation")
	}
	if op.Operation != OpRead || op.Path != "C:\\test.txt" {
		t.Errorf("unexpected operation: %+v", op)
	}
	if op.Status != string(broker.StatusDispatched) {
		t.Errorf("expected dispatched status, got %q", op.Status)
	}

	if !s.SubmitResult(Result{OpID: op.ID, Content: "Hello, World!"}) {
		t.Fatal("expected result to match")
	}

	out := <-done
	if out.err != nil {
		t.Fatalf("ReadFile failed: %v", out.err)
	}
	if out.res.Content != "Hello, World!" || out.res.Truncated || out.res.TotalSize != 13 {
		t.Errorf("unexpected result: %+v", out.res)
	}
}

func TestReadFileTruncated(t *testing.T) {
	s := NewService()

	done := make(chan readOutcome, 1)
	go func() {
		res, err := s.ReadFile(context.Background(), "C:\\test.txt", 5)
		done <- readOutcome{res, err}
	}()

	op := waitForOperation(s)
	if op == nil {
		t.Fatal("expected pending operation")
	}
	s.SubmitResult(Result{OpID: op.ID, Content: "Hello, World!"})

	out := <-done
	if out.err != nil {
		t.Fatalf("ReadFile failed: %v", out.err)
	}
	if out.res.Content != "Hello" || !out.res.Truncated || out.res.TotalSize != 13 {
		t.Errorf("unexpected result: %+v", out.res)
	}
}

func TestTruncateCountsCharacters(t *testing.T) {
	res := truncate("héllo wörld", 5)
	if res.Content != "héllo" {
		t.Errorf("expected 'héllo', got %q", res.Content)
	}
	if res.TotalSize != 11 {
		t.Errorf("expected total size 11, got %d", res.TotalSize)
	}

	res = truncate("short", 5)
	if res.Truncated || res.Content != "short" {
		t.Errorf("content at the limit must not be truncated: %+v", res)
	}
}

func TestReadFileEmptyIsNotError(t *testing.T) {
	s := NewService()

	done := make(chan readOutcome, 1)
	go func() {
		res, err := s.ReadFile(context.Background(), "/empty", 0)
		done <- readOutcome{res, err}
	}()

	op := waitForOperation(s)
	s.SubmitResult(Result{OpID: op.ID})

	out := <-done
	if out.err != nil {
		t.Fatalf("empty file must not be an error: %v", out.err)
	}
	if out.res == nil || out.res.Content != "" || out.res.TotalSize != 0 {
		t.Errorf("unexpected result: %+v", out.res)
	}
}

func TestReadFileRemoteError(t *testing.T) {
	s := NewService()

	done := make(chan readOutcome, 1)
	go func() {
		res, err := s.ReadFile(context.Background(), "/missing", 0)
		done <- readOutcome{res, err}
	}()

	op := waitForOperation(s)
	s.SubmitResult(Result{OpID: op.ID, Error: "file not found"})

	out := <-done
	if out.res != nil {
		t.Errorf("expected no result, got %+v", out.res)
	}
	var remote *RemoteError
	if !errors.As(out.err, &remote) {
		t.Fatalf("expected RemoteError, got %v", out.err)
	}
	if remote.Message != "file not found" {
		t.Errorf("unexpected message %q", remote.Message)
	}
}

func TestListDirectoryTimeout(t *testing.T) {
	s := NewService(WithTimeouts(100*time.Millisecond, 0, 0))

	start := time.Now()
	res, err := s.ListDirectory(context.Background(), "C:\\")
	if res != nil {
		t.Errorf("expected no listing, got %+v", res)
	}
	if !errors.Is(err, broker.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestListDirectory(t *testing.T) {
	s := NewService()

	type outcome struct {
		res *Listing
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.ListDirectory(context.Background(), "/work")
		done <- outcome{res, err}
	}()

	op := waitForOperation(s)
	if op.Operation != OpList {
		t.Errorf("expected list, got %s", op.Operation)
	}
	s.SubmitResult(Result{OpID: op.ID, Entries: []FileEntry{
		{Name: "a.txt", Type: EntryFile, Size: 3},
		{Name: "src", Type: EntryDir},
	}})

	out := <-done
	if out.err != nil {
		t.Fatalf("ListDirectory failed: %v", out.err)
	}
	if out.res.Path != "/work" || len(out.res.Entries) != 2 {
		t.Errorf("unexpected listing: %+v", out.res)
	}
}

func TestWriteFileUnattended(t *testing.T) {
	s := NewService()

	done := make(chan error, 1)
	go func() {
		done <- s.WriteFile(context.Background(), "C:\\test.txt", "new content", "")
	}()

	op := waitForOperation(s)
	if op.Operation != OpWrite || op.Content != "new content" {
		t.Errorf("unexpected operation: %+v", op)
	}
	s.SubmitResult(Result{OpID: op.ID})
	if err := <-done; err != nil {
		t.Errorf("expected success, got %v", err)
	}

	go func() {
		done <- s.WriteFile(context.Background(), "C:\\test.txt", "new content", "")
	}()
	op = waitForOperation(s)
	s.SubmitResult(Result{OpID: op.ID, Error: "Access denied"})

	var remote *RemoteError
	if err := <-done; !errors.As(err, &remote) {
		t.Errorf("expected RemoteError, got %v", err)
	}
}

func TestWriteFileApproved(t *testing.T) {
	approver := &mockApprover{approve: true}
	s := NewService(WithApprover(approver))

	done := make(chan error, 1)
	go func() {
		done <- s.WriteFile(context.Background(), "C:\\test.txt", "new content", "session1")
	}()

	op := waitForOperation(s)
	if op == nil {
		t.Fatal("expected write to be dispatched after approval")
	}
	if op.Content != "new content" {
		t.Errorf("expected content 'new content', got %q", op.Content)
	}
	s.SubmitResult(Result{OpID: op.ID})

	if err := <-done; err != nil {
		t.Fatalf("expected success, got %v", err)
	}

	approver.mu.Lock()
	defer approver.mu.Unlock()
	if approver.calls != 1 {
		t.Fatalf("expected one approval request, got %d", approver.calls)
	}
	if approver.sessions[0] != "session1" || approver.tools[0] != "Write" {
		t.Errorf("unexpected approval call: session=%q tool=%q", approver.sessions[0], approver.tools[0])
	}
	if !strings.Contains(approver.inputs[0], "C:\\test.txt") {
		t.Errorf("description %q does not name the path", approver.inputs[0])
	}
}

func TestWriteFileDeniedLeavesNoTrace(t *testing.T) {
	approver := &mockApprover{approve: false}
	s := NewService(WithApprover(approver))

	err := s.WriteFile(context.Background(), "C:\\test.txt", "new content", "session1")
	if !errors.Is(err, ErrApprovalDenied) {
		t.Fatalf("expected ErrApprovalDenied, got %v", err)
	}
	if s.Pending() != 0 {
		t.Errorf("expected no pending operations, got %d", s.Pending())
	}
	if op := s.PollPendingOperation(); op != nil {
		t.Errorf("expected nothing to poll, got %+v", op)
	}
}

func TestSubmitResultUnknown(t *testing.T) {
	s := NewService()
	if s.SubmitResult(Result{OpID: "nope"}) {
		t.Error("unknown op id must not match")
	}
	if s.SubmitResult(Result{}) {
		t.Error("empty op id must not match")
	}
}

func TestSetTimeoutsKeepsZero(t *testing.T) {
	s := NewService()
	s.SetTimeouts(time.Second, 0, 0)

	read, write, approval := s.timeouts()
	if read != time.Second {
		t.Errorf("expected read timeout 1s, got %v", read)
	}
	if write != DefaultWriteTimeout || approval != DefaultApprovalTimeout {
		t.Errorf("zero values must keep defaults, got write=%v approval=%v", write, approval)
	}
}
