// Package profile stores per-user details the assistant addresses the user by.
package profile

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/mnemo/internal/pathutil"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

const DefaultUserName = "User"

type Profile struct {
	UserID        string    `yaml:"user_id"`
	PreferredName string    `yaml:"preferred_name,omitempty"`
	FullName      string    `yaml:"full_name,omitempty"`
	Persona       string    `yaml:"persona,omitempty"`
	AssistantName string    `yaml:"assistant_name,omitempty"`
	UpdatedAt     time.Time `yaml:"updated_at,omitempty"`
}

// DisplayName is the name to address the user by.
func (p Profile) DisplayName() string {
	switch {
	case strings.TrimSpace(p.PreferredName) != "":
		return p.PreferredName
	case strings.TrimSpace(p.FullName) != "":
		return p.FullName
	default:
		return DefaultUserName
	}
}

// Store keeps one YAML file per user under dir.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

func NewStore(dir string) (*Store, error) {
	expanded, err := pathutil.Expand(dir)
	if err != nil {
		return nil, err
	}
	if expanded == "" {
		return nil, fmt.Errorf("profile dir is empty")
	}
	if err := os.MkdirAll(expanded, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create profile dir: %w", err)
	}
	return &Store{dir: expanded, now: time.Now}, nil
}

func (s *Store) path(userID string) string {
	return pathutil.UserFile(s.dir, userID, ".yaml")
}

// Get returns the stored profile, or an empty one for unknown users.
func (s *Store) Get(userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(userID)
}

func (s *Store) read(userID string) (Profile, error) {
	data, err := os.ReadFile(s.path(userID))
	if os.IsNotExist(err) {
		return Profile{UserID: userID}, nil
	}
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("failed to parse profile %s: %w", s.path(userID), err)
	}
	p.UserID = userID
	return p, nil
}

// Update applies fn to the current profile and writes the result.
func (s *Store) Update(userID string, fn func(*Profile)) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read(userID)
	if err != nil {
		return Profile{}, err
	}
	fn(&p)
	p.UserID = userID
	p.UpdatedAt = s.now()

	data, err := yaml.Marshal(p)
	if err != nil {
		return Profile{}, err
	}
	if err := atomic.WriteFile(s.path(userID), bytes.NewReader(data)); err != nil {
		return Profile{}, fmt.Errorf("failed to write profile: %w", err)
	}
	return p, nil
}

func (s *Store) SetPreferredName(userID, name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, fmt.Errorf("preferred name is empty")
	}
	return s.Update(userID, func(p *Profile) { p.PreferredName = name })
}
