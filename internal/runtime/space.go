package runtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArtifactKind categorises entries in the space.
type ArtifactKind string

const (
	KindData  ArtifactKind = "data"
	KindTool  ArtifactKind = "tool"
	KindAgent ArtifactKind = "agent"
)

// Metadata is attached to every artifact in the space.
type Metadata struct {
	Name        string       `json:"name"`
	Kind        ArtifactKind `json:"kind"`
	Description string       `json:"description,omitempty"`
	Source      string       `json:"source,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Artifact is a single uid-addressed entry in the space.
type Artifact struct {
	UID      string      `json:"uid"`
	Metadata Metadata    `json:"metadata"`
	Value    interface{} `json:"value"`
}

// Space is the unified in-memory store for data, tool, and agent artifacts.
// One logical control thread owns a Space; a concurrent port must add its
// own locking around the uid map before running agents in parallel.
type Space struct {
	artifacts map[string]*Artifact
	order     []string
	now       func() time.Time
}

// SpaceOption customises a Space during construction.
type SpaceOption func(*Space)

// WithClock overrides the clock used for artifact timestamps.
func WithClock(clock func() time.Time) SpaceOption {
	return func(s *Space) { s.now = clock }
}

// NewSpace builds an empty artifact space.
func NewSpace(opts ...SpaceOption) *Space {
	s := &Space{
		artifacts: make(map[string]*Artifact),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewArtifact assembles an artifact with a fresh uid and stamped metadata.
// The uid is assigned here, once, and never reassigned.
func (s *Space) NewArtifact(meta Metadata, value interface{}) *Artifact {
	now := s.now().UTC()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	return &Artifact{UID: uuid.NewString(), Metadata: meta, Value: value}
}

// Register adds an artifact to the space and returns its uid.
func (s *Space) Register(a *Artifact) (string, error) {
	if a == nil {
		return "", fmt.Errorf("register: artifact is nil")
	}
	if _, exists := s.artifacts[a.UID]; exists {
		return "", fmt.Errorf("register %s: %w", a.UID, ErrCollision)
	}
	s.artifacts[a.UID] = a
	s.order = append(s.order, a.UID)
	return a.UID, nil
}

// Get returns the artifact for uid.
func (s *Space) Get(uid string) (*Artifact, error) {
	a, ok := s.artifacts[uid]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", uid, ErrNotFound)
	}
	return a, nil
}

// Update replaces an artifact's value in place and bumps updated_at. The
// uid is never reassigned. A non-empty source updates provenance.
func (s *Space) Update(uid string, value interface{}, source string) error {
	a, err := s.Get(uid)
	if err != nil {
		return err
	}
	a.Value = value
	if source != "" {
		a.Metadata.Source = source
	}
	now := s.now().UTC()
	if now.After(a.Metadata.UpdatedAt) {
		a.Metadata.UpdatedAt = now
	}
	return nil
}

// FindByName returns every artifact with the given name, in registration
// order. Names are not unique.
func (s *Space) FindByName(name string) []*Artifact {
	var out []*Artifact
	for _, uid := range s.order {
		if a := s.artifacts[uid]; a.Metadata.Name == name {
			out = append(out, a)
		}
	}
	return out
}

// List returns artifacts in registration order, optionally filtered by kind
// (empty kind means all).
func (s *Space) List(kind ArtifactKind) []*Artifact {
	var out []*Artifact
	for _, uid := range s.order {
		a := s.artifacts[uid]
		if kind == "" || a.Metadata.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Len reports the number of registered artifacts.
func (s *Space) Len() int { return len(s.artifacts) }

// SnapshotEntry is one artifact's serialisable view.
type SnapshotEntry struct {
	Metadata Metadata    `json:"metadata"`
	Value    interface{} `json:"value"`
}

// Snapshot returns a serialisable view of the space keyed by uid. Values
// that do not marshal natively degrade to their string form rather than
// failing the snapshot.
func (s *Space) Snapshot() map[string]SnapshotEntry {
	snap := make(map[string]SnapshotEntry, len(s.artifacts))
	for uid, a := range s.artifacts {
		snap[uid] = SnapshotEntry{Metadata: a.Metadata, Value: serialisable(a.Value)}
	}
	return snap
}

func serialisable(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return v
}
