package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/mnemo/internal/config"
	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/natefinch/atomic"
)

// ErrStoreClosed is returned for requests sent after Close.
var ErrStoreClosed = errors.New("store is closed")

type Operation int

const (
	OpGetContext Operation = iota
	OpSwapContext
	OpWindowCreatedAt
	OpUserMessagesSince
)

type Request struct {
	Op       Operation
	Ctx      context.Context
	UserID   string
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type swapPayload struct {
	build UpdateFunc
}

type sincePayload struct {
	since time.Time
}

type watermark struct {
	at time.Time
	ok bool
}

// windowFile is the on-disk form of an active window.
type windowFile struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	Messages  []message.Message `json:"messages"`
}

type RuntimeConfig struct {
	LockTimeout  time.Duration
	LockRetry    time.Duration
	LockMaxRetry int
	InboxSize    int
}

// FileStore keeps an append-only JSONL message log and one window file per user. A single
// worker goroutine owns all file access of the handle; swaps additionally hold the data
// directory flock so that other handles and processes see them atomically.
type FileStore struct {
	basePath string
	inbox    chan Request
	quit     chan struct{}
	wg       sync.WaitGroup
	running  stdatomic.Bool
	lockCfg  *FileLockConfig
	now      func() time.Time
}

func OpenFileStore(dataPath string, runtimeCfg RuntimeConfig) (*FileStore, error) {
	basePath, err := ResolveDataPath(dataPath)
	if err != nil {
		return nil, err
	}

	for _, d := range []string{filepath.Join(basePath, "messages"), filepath.Join(basePath, "windows")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}

	lockCfg := DefaultFileLockConfig()
	if runtimeCfg.LockTimeout > 0 {
		lockCfg.LockTimeout = runtimeCfg.LockTimeout
	}
	if runtimeCfg.LockRetry > 0 {
		lockCfg.LockRetry = runtimeCfg.LockRetry
	}
	if runtimeCfg.LockMaxRetry > 0 {
		lockCfg.LockMaxRetry = runtimeCfg.LockMaxRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}

	s := &FileStore{
		basePath: basePath,
		inbox:    make(chan Request, runtimeCfg.InboxSize),
		quit:     make(chan struct{}),
		lockCfg:  lockCfg,
		now:      message.UTCNow,
	}
	s.start()
	return s, nil
}

func (s *FileStore) start() {
	s.running.Store(true)
	s.wg.Add(1)
	go s.loop()
}

func (s *FileStore) loop() {
	slog.Debug("FileStore worker started", "path", s.basePath)
	defer s.wg.Done()

	for {
		select {
		case req := <-s.inbox:
			resp, err := s.handle(req)
			if req.Response != nil {
				req.Response <- resp
			}
			if req.Result != nil {
				req.Result <- err
			}
		case <-s.quit:
			slog.Debug("FileStore worker stopping", "path", s.basePath)
			return
		}
	}
}

func (s *FileStore) handle(req Request) (interface{}, error) {
	if err := req.Ctx.Err(); err != nil {
		return nil, err
	}

	switch req.Op {
	case OpGetContext:
		w, err := s.readWindow(req.UserID)
		if err != nil {
			return nil, err
		}
		return w.Messages, nil
	case OpSwapContext:
		p, ok := req.Payload.(swapPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for SwapContext")
		}
		return s.swap(req.Ctx, req.UserID, p.build)
	case OpWindowCreatedAt:
		w, err := s.readWindow(req.UserID)
		if err != nil {
			return nil, err
		}
		return watermark{at: w.CreatedAt, ok: w.ID != ""}, nil
	case OpUserMessagesSince:
		p, ok := req.Payload.(sincePayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for UserMessagesSince")
		}
		return s.userMessagesSince(req.UserID, p.since)
	default:
		return nil, fmt.Errorf("unknown operation: %d", req.Op)
	}
}

func (s *FileStore) swap(ctx context.Context, userID string, build UpdateFunc) ([]message.Message, error) {
	lock, err := AcquireFileLock(ctx, userID, s.basePath, s.lockCfg)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	current, err := s.readWindow(userID)
	if err != nil {
		return nil, err
	}

	built, err := build(message.CloneAll(current.Messages))
	if err != nil {
		return nil, err
	}
	next, err := prepareWindow(userID, built)
	if err != nil {
		return nil, err
	}

	known := make(map[string]message.Message, len(current.Messages))
	for _, m := range current.Messages {
		known[m.ID] = m
	}
	var changed []message.Message
	for _, m := range next {
		if prev, ok := known[m.ID]; ok && reflect.DeepEqual(prev, m) {
			continue
		}
		changed = append(changed, m)
	}
	if err := s.appendMessages(userID, changed); err != nil {
		return nil, err
	}

	w := windowFile{ID: NewID(), CreatedAt: s.now(), Messages: next}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	if err := atomic.WriteFile(WindowPath(s.basePath, userID), bytes.NewReader(data)); err != nil {
		return nil, mnemoErrors.WrapWithCategory(err, "write window", mnemoErrors.ErrInternal)
	}

	slog.Debug("Context window replaced", "user", userID, "messages", len(next), "driver", "file")
	return next, nil
}

func (s *FileStore) readWindow(userID string) (windowFile, error) {
	data, err := os.ReadFile(WindowPath(s.basePath, userID))
	if os.IsNotExist(err) {
		return windowFile{}, nil
	}
	if err != nil {
		return windowFile{}, err
	}
	var w windowFile
	if err := json.Unmarshal(data, &w); err != nil {
		return windowFile{}, mnemoErrors.WrapWithCategory(err, "decode window file", mnemoErrors.ErrInternal)
	}
	return w, nil
}

func (s *FileStore) appendMessages(userID string, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	f, err := os.OpenFile(MessagesPath(s.basePath, userID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return f.Sync()
}

// userMessagesSince scans the log; a later record of the same id replaces an earlier one.
func (s *FileStore) userMessagesSince(userID string, since time.Time) ([]message.Message, error) {
	f, err := os.Open(MessagesPath(s.basePath, userID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		order []string
		byID  = make(map[string]message.Message)
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m message.Message
		if err := json.Unmarshal(line, &m); err != nil {
			slog.Warn("Skipping corrupt message record", "user", userID, "error", err)
			continue
		}
		if _, seen := byID[m.ID]; !seen {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var out []message.Message
	for _, id := range order {
		m := byID[id]
		if m.Role == message.RoleUser && m.CreatedAt.After(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Public API

func (s *FileStore) do(ctx context.Context, op Operation, userID string, payload interface{}) (interface{}, error) {
	if !s.running.Load() {
		return nil, ErrStoreClosed
	}
	req := Request{
		Op:       op,
		Ctx:      ctx,
		UserID:   userID,
		Payload:  payload,
		Result:   make(chan error, 1),
		Response: make(chan interface{}, 1),
	}

	select {
	case s.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		return nil, ErrStoreClosed
	}

	select {
	case err := <-req.Result:
		resp := <-req.Response
		return resp, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.quit:
		select {
		case err := <-req.Result:
			return <-req.Response, err
		default:
			return nil, ErrStoreClosed
		}
	}
}

func (s *FileStore) GetContext(ctx context.Context, userID string) ([]message.Message, error) {
	resp, err := s.do(ctx, OpGetContext, userID, nil)
	if err != nil {
		return nil, err
	}
	msgs, _ := resp.([]message.Message)
	return msgs, nil
}

func (s *FileStore) swapContext(ctx context.Context, userID string, build UpdateFunc) ([]message.Message, error) {
	resp, err := s.do(ctx, OpSwapContext, userID, swapPayload{build: build})
	if err != nil {
		return nil, err
	}
	msgs, _ := resp.([]message.Message)
	return msgs, nil
}

// UpdateContext replaces the window with fn's result while the swap lock is held.
func (s *FileStore) UpdateContext(ctx context.Context, userID string, fn UpdateFunc) ([]message.Message, error) {
	return s.swapContext(ctx, userID, fn)
}

func (s *FileStore) ReplaceContext(ctx context.Context, userID string, msgs []message.Message) ([]message.Message, error) {
	return s.swapContext(ctx, userID, func([]message.Message) ([]message.Message, error) {
		return msgs, nil
	})
}

func (s *FileStore) AppendContext(ctx context.Context, userID string, msgs ...message.Message) ([]message.Message, error) {
	return s.swapContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return append(current, msgs...), nil
	})
}

func (s *FileStore) RemoveContext(ctx context.Context, userID string, ids ...string) ([]message.Message, error) {
	return s.swapContext(ctx, userID, func(current []message.Message) ([]message.Message, error) {
		return removeIDs(current, ids), nil
	})
}

func (s *FileStore) WindowCreatedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	resp, err := s.do(ctx, OpWindowCreatedAt, userID, nil)
	if err != nil {
		return time.Time{}, false, err
	}
	w, _ := resp.(watermark)
	return w.at, w.ok, nil
}

func (s *FileStore) UserMessagesSince(ctx context.Context, userID string, since time.Time) ([]message.Message, error) {
	resp, err := s.do(ctx, OpUserMessagesSince, userID, sincePayload{since: since})
	if err != nil {
		return nil, err
	}
	msgs, _ := resp.([]message.Message)
	return msgs, nil
}

// Close stops the worker. Requests already queued are dropped.
func (s *FileStore) Close() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	close(s.quit)
	s.wg.Wait()
	return nil
}

func (s *FileStore) IsRunning() bool {
	return s.running.Load()
}
