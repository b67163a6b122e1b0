package contextwindow

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/mnemo/internal/memory"
	"github.com/harunnryd/mnemo/internal/message"
	"github.com/harunnryd/mnemo/internal/model/contract"
	"github.com/harunnryd/mnemo/internal/store"
	"github.com/harunnryd/mnemo/internal/tokens"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// tickingBuilder hands out timestamps one second apart.
func tickingBuilder() *message.Builder {
	var mu sync.Mutex
	ts := baseTime
	return &message.Builder{
		ChatModel: "gpt-4o",
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			ts = ts.Add(time.Second)
			return ts
		},
	}
}

func openStore(t *testing.T) *store.SQLStore {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func call(id, name, args string) message.ToolCall {
	return message.ToolCall{ID: id, FunctionName: name, Arguments: json.RawMessage(args)}
}

func heuristicCompressor(target, trigger int) *Compressor {
	return &Compressor{
		Counter:       tokens.NewHeuristic(),
		Model:         "gpt-4o",
		TargetTokens:  target,
		TriggerTokens: trigger,
		Now:           func() time.Time { return baseTime.Add(time.Hour) },
	}
}

type fakeEmbedder struct {
	calls []string
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	return []float32{1, 0}, f.err
}

// fakeSearch returns a fixed entity per type.
type fakeSearch struct {
	byType    map[message.EntityType]*memory.Entity
	threshold []float64
}

func (f *fakeSearch) Nearest(_ context.Context, t message.EntityType, _ string, _ []float32, threshold float64) (*memory.Entity, error) {
	f.threshold = append(f.threshold, threshold)
	e := f.byType[t]
	if e == nil {
		return nil, nil
	}
	out := *e
	return &out, nil
}

// scriptedCompleter answers Route calls in order and records the requests.
type scriptedCompleter struct {
	mu       sync.Mutex
	answers  []string
	requests []contract.CompletionRequest
	onCall   func()
}

func (s *scriptedCompleter) Route(_ context.Context, _ string, req contract.CompletionRequest) (*contract.CompletionResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var answer string
	if len(s.answers) > 0 {
		answer, s.answers = s.answers[0], s.answers[1:]
	}
	hook := s.onCall
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return &contract.CompletionResponse{Content: answer}, nil
}

type fakeMemories struct {
	created      []string
	pairs        []memory.Pair
	consolidated []string
}

func (f *fakeMemories) CreateMemory(_ context.Context, userID, name, text string) (*memory.Entity, error) {
	f.created = append(f.created, name+": "+text)
	return &memory.Entity{Type: message.EntityMemory, ID: name, UserID: userID, Name: name, Text: text, Active: true}, nil
}

func (f *fakeMemories) FindRedundantPairs(context.Context, string, float64, int) ([]memory.Pair, error) {
	return f.pairs, nil
}

func (f *fakeMemories) Consolidate(_ context.Context, userID string, pair memory.Pair, name, text string) (*memory.Entity, error) {
	f.consolidated = append(f.consolidated, pair.A.Name+"+"+pair.B.Name+"="+name)
	return &memory.Entity{Type: message.EntityMemory, ID: name, UserID: userID, Name: name, Text: text, Active: true}, nil
}
