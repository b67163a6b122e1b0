package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// SignalHandler turns SIGINT and SIGTERM into cancellation. While an interrupt hook is set, an
// interrupt is passed to it first; only when the hook reports nothing to interrupt does the
// whole session end.
type SignalHandler struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sigChan chan os.Signal

	mu        sync.Mutex
	interrupt func() bool
}

func NewSignalHandler(parent context.Context) *SignalHandler {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	s := &SignalHandler{
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
	}
	signal.Notify(s.sigChan, os.Interrupt, syscall.SIGTERM)
	go s.loop()
	return s
}

func (s *SignalHandler) loop() {
	for {
		select {
		case sig := <-s.sigChan:
			if sig == os.Interrupt && s.interrupted() {
				continue
			}
			s.cancel()
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *SignalHandler) interrupted() bool {
	s.mu.Lock()
	hook := s.interrupt
	s.mu.Unlock()
	return hook != nil && hook()
}

// OnInterrupt sets the hook consulted on SIGINT.
func (s *SignalHandler) OnInterrupt(hook func() bool) {
	s.mu.Lock()
	s.interrupt = hook
	s.mu.Unlock()
}

func (s *SignalHandler) Context() context.Context {
	return s.ctx
}

func (s *SignalHandler) Stop() {
	signal.Stop(s.sigChan)
	s.cancel()
}
