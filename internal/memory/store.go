package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	mnemoErrors "github.com/harunnryd/mnemo/internal/errors"
	"github.com/harunnryd/mnemo/internal/message"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
	"github.com/philippgille/chromem-go"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store keeps entity records in an index file and the vectors of active entities in
// chromem collections. Archived entities stay in the index but are never matched.
type Store struct {
	mu       sync.RWMutex
	basePath string
	db       *chromem.DB
	embed    Embedder
	entities map[string]*Entity
	now      func() time.Time
}

// Open loads the store under path. An empty path keeps everything in memory.
func Open(path string, embed Embedder) (*Store, error) {
	s := &Store{
		basePath: path,
		embed:    embed,
		entities: make(map[string]*Entity),
		now:      message.UTCNow,
	}

	if path == "" {
		s.db = chromem.NewDB()
		return s, nil
	}

	vectorPath := filepath.Join(path, "vectors")
	if err := os.MkdirAll(vectorPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create vector dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(vectorPath, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init vector db: %w", err)
	}
	s.db = db

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	slog.Debug("Memory store opened", "path", path, "entities", len(s.entities))
	return s, nil
}

// NewInMemory is Open without persistence.
func NewInMemory(embed Embedder) *Store {
	s, _ := Open("", embed)
	return s
}

func (s *Store) indexPath() string {
	return filepath.Join(s.basePath, "entities.json")
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []*Entity
	if err := json.Unmarshal(data, &list); err != nil {
		return mnemoErrors.WrapWithCategory(err, "decode memory index", mnemoErrors.ErrInternal)
	}
	for _, e := range list {
		s.entities[e.ID] = e
	}
	return nil
}

func (s *Store) saveIndex() error {
	if s.basePath == "" {
		return nil
	}
	list := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		list = append(list, e)
	}
	sortEntities(list)
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.indexPath(), bytes.NewReader(data))
}

func (s *Store) collection(t message.EntityType) (*chromem.Collection, error) {
	name, err := collectionFor(t)
	if err != nil {
		return nil, mnemoErrors.InvalidInput(err.Error())
	}
	return s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embed.Embed(ctx, text)
	})
}

// index stores e and upserts its vector.
func (s *Store) index(ctx context.Context, e *Entity) error {
	vec, err := s.embed.Embed(ctx, e.Fact())
	if err != nil {
		return fmt.Errorf("failed to embed %s %q: %w", e.Type, e.Name, err)
	}
	col, err := s.collection(e.Type)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        e.ID,
		Content:   e.Fact(),
		Embedding: vec,
		Metadata:  map[string]string{"user_id": e.UserID, "name": e.Name},
	})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}

	s.entities[e.ID] = e
	return s.saveIndex()
}

func (s *Store) archive(ctx context.Context, e *Entity) error {
	col, err := s.collection(e.Type)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, e.ID); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	e.Active = false
	e.UpdatedAt = s.now()
	return s.saveIndex()
}

func (s *Store) CreateMemory(ctx context.Context, userID, name, text string) (*Entity, error) {
	name, text = strings.TrimSpace(name), strings.TrimSpace(text)
	if name == "" || text == "" {
		return nil, mnemoErrors.InvalidInput("memory name and text are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := &Entity{
		Type:      message.EntityMemory,
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      name,
		Text:      text,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.index(ctx, e); err != nil {
		return nil, err
	}

	slog.Info("Memory created", "user", userID, "name", name, "id", e.ID)
	out := *e
	return &out, nil
}

// CreateGoal fails with ErrConflict when the user already has an active goal of that name.
func (s *Store) CreateGoal(ctx context.Context, userID string, in GoalInput) (*Entity, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, mnemoErrors.InvalidInput("goal name is required")
	}
	priority := DefaultGoalPriority
	if in.Priority != nil {
		priority = *in.Priority
	}
	if priority < 0 || priority > 4 {
		return nil, mnemoErrors.InvalidInput("goal priority must be between 0 and 4")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.findByName(userID, message.EntityGoal, in.Name); ok {
		return nil, fmt.Errorf("active goal %q already exists: %w", in.Name, mnemoErrors.ErrConflict)
	}

	now := s.now()
	e := &Entity{
		Type:         message.EntityGoal,
		ID:           ulid.Make().String(),
		UserID:       userID,
		Name:         in.Name,
		Description:  in.Description,
		Strategy:     in.Strategy,
		EndCondition: in.EndCondition,
		TargetTime:   in.TargetTime,
		Priority:     priority,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.index(ctx, e); err != nil {
		return nil, err
	}

	slog.Info("Goal created", "user", userID, "name", in.Name, "id", e.ID)
	out := *e
	return &out, nil
}

func (s *Store) AddGoalStatusUpdate(ctx context.Context, userID, name, update string) (*Entity, error) {
	update = strings.TrimSpace(update)
	if update == "" {
		return nil, mnemoErrors.InvalidInput("status update is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.findByName(userID, message.EntityGoal, name)
	if !ok {
		return nil, mnemoErrors.NotFound(fmt.Sprintf("active goal %q", name))
	}
	next := *e
	next.StatusUpdates = append(append([]string(nil), e.StatusUpdates...), update)
	next.UpdatedAt = s.now()
	if err := s.index(ctx, &next); err != nil {
		return nil, err
	}

	out := next
	return &out, nil
}

func (s *Store) MarkGoalCompleted(ctx context.Context, userID, name, closingComment string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.findByName(userID, message.EntityGoal, name)
	if !ok {
		return nil, mnemoErrors.NotFound(fmt.Sprintf("active goal %q", name))
	}
	e.ClosingComment = strings.TrimSpace(closingComment)
	if err := s.archive(ctx, e); err != nil {
		return nil, err
	}

	slog.Info("Goal completed", "user", userID, "name", name)
	out := *e
	return &out, nil
}

func (s *Store) findByName(userID string, t message.EntityType, name string) (*Entity, bool) {
	name = strings.TrimSpace(name)
	for _, e := range s.entities {
		if e.Active && e.Type == t && e.UserID == userID && e.Name == name {
			return e, true
		}
	}
	return nil, false
}

// GetByName returns the active entity of that name.
func (s *Store) GetByName(userID string, t message.EntityType, name string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.findByName(userID, t, name)
	if !ok {
		return nil, mnemoErrors.NotFound(fmt.Sprintf("active %s %q", t, name))
	}
	out := *e
	return &out, nil
}

func (s *Store) Get(id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return nil, mnemoErrors.NotFound(fmt.Sprintf("entity %q", id))
	}
	out := *e
	return &out, nil
}

// List returns the active entities of a type, oldest first.
func (s *Store) List(userID string, t message.EntityType) []Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*Entity
	for _, e := range s.entities {
		if e.Active && e.Type == t && e.UserID == userID {
			list = append(list, e)
		}
	}
	sortEntities(list)

	out := make([]Entity, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// Query embeds text and returns up to n active entities of both types, nearest first.
func (s *Store) Query(ctx context.Context, userID, text string, n int) ([]Match, error) {
	if strings.TrimSpace(text) == "" || n <= 0 {
		return nil, nil
	}
	vec, err := s.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, t := range []message.EntityType{message.EntityGoal, message.EntityMemory} {
		m, err := s.search(ctx, t, userID, vec, n)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m...)
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

// Nearest returns the closest active entity of the type whose distance is below threshold,
// or nil.
func (s *Store) Nearest(ctx context.Context, t message.EntityType, userID string, vec []float32, threshold float64) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := s.search(ctx, t, userID, vec, 1)
	if err != nil || len(matches) == 0 {
		return nil, err
	}
	if matches[0].Distance >= threshold {
		return nil, nil
	}
	out := matches[0].Entity
	return &out, nil
}

func (s *Store) search(ctx context.Context, t message.EntityType, userID string, vec []float32, n int) ([]Match, error) {
	col, err := s.collection(t)
	if err != nil {
		return nil, err
	}
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 || len(vec) == 0 {
		return nil, nil
	}

	res, err := col.QueryEmbedding(ctx, vec, n, map[string]string{"user_id": userID}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}

	var out []Match
	for _, r := range res {
		e, ok := s.entities[r.ID]
		if !ok || !e.Active {
			continue
		}
		out = append(out, Match{Entity: *e, Distance: l2FromSimilarity(r.Similarity)})
	}
	return out, nil
}

// FindRedundantPairs returns pairs of active memories closer than threshold, nearest first.
func (s *Store) FindRedundantPairs(ctx context.Context, userID string, threshold float64, limit int) ([]Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	col, err := s.collection(message.EntityMemory)
	if err != nil {
		return nil, err
	}

	var candidates []*Entity
	for _, e := range s.entities {
		if e.Active && e.Type == message.EntityMemory && e.UserID == userID {
			candidates = append(candidates, e)
		}
	}
	sortEntities(candidates)

	seen := make(map[string]bool)
	var pairs []Pair
	for _, e := range candidates {
		doc, err := col.GetByID(ctx, e.ID)
		if err != nil {
			slog.Warn("Memory vector missing", "id", e.ID, "error", err)
			continue
		}
		matches, err := s.search(ctx, message.EntityMemory, userID, doc.Embedding, 2)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if m.Entity.ID == e.ID || m.Distance >= threshold {
				continue
			}
			a, b := *e, m.Entity
			if b.ID < a.ID {
				a, b = b, a
			}
			key := a.ID + "|" + b.ID
			if seen[key] {
				continue
			}
			seen[key] = true
			pairs = append(pairs, Pair{A: a, B: b, Distance: m.Distance})
		}
	}

	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Distance < pairs[j].Distance })
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs, nil
}

// Consolidate archives both memories of the pair and stores the merged memory in their place.
func (s *Store) Consolidate(ctx context.Context, userID string, pair Pair, name, text string) (*Entity, error) {
	name, text = strings.TrimSpace(name), strings.TrimSpace(text)
	if name == "" || text == "" {
		return nil, mnemoErrors.InvalidInput("consolidated memory needs a name and text")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var sources []*Entity
	for _, id := range []string{pair.A.ID, pair.B.ID} {
		e, ok := s.entities[id]
		if !ok || !e.Active || e.UserID != userID || e.Type != message.EntityMemory {
			return nil, mnemoErrors.NotFound(fmt.Sprintf("active memory %q", id))
		}
		sources = append(sources, e)
	}

	now := s.now()
	merged := &Entity{
		Type:      message.EntityMemory,
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      name,
		Text:      text,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.index(ctx, merged); err != nil {
		return nil, err
	}
	for _, e := range sources {
		if err := s.archive(ctx, e); err != nil {
			return nil, err
		}
	}

	slog.Info("Memories consolidated", "user", userID, "a", pair.A.Name, "b", pair.B.Name, "into", name)
	out := *merged
	return &out, nil
}

func (s *Store) Close() error {
	return nil
}

// l2FromSimilarity converts the cosine similarity of unit vectors to their euclidean distance.
func l2FromSimilarity(sim float32) float64 {
	return math.Sqrt(math.Max(0, 2-2*float64(sim)))
}

func sortEntities(list []*Entity) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
