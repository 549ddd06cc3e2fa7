// Package models defines the data structures exchanged with the resource
// manager daemon: scopes, sensors and timestamped events. They carry
// both CBOR tags (daemon wire) and JSON tags (logs and debugging).
package models

import (
	"fmt"
	"sort"
	"strings"
)

// ResourceType identifies the kind of hardware resource a scope member
// refers to.
type ResourceType int

const (
	ResourceCPU ResourceType = iota
	ResourceNUMA
	ResourceGPU
)

var resourceTypeNames = map[ResourceType]string{
	ResourceCPU:  "cpu",
	ResourceNUMA: "numa",
	ResourceGPU:  "gpu",
}

func (t ResourceType) String() string {
	if name, ok := resourceTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("resource(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ResourceType) MarshalText() ([]byte, error) {
	name, ok := resourceTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown resource type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ResourceType) UnmarshalText(text []byte) error {
	for k, v := range resourceTypeNames {
		if v == string(text) {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown resource type %q", text)
}

// Member is one resource of a scope, e.g. CPU 3 or NUMA node 1.
type Member struct {
	Type  ResourceType `cbor:"type" json:"type"`
	Index int          `cbor:"index" json:"index"`
}

// Scope is a named set of hardware resources a measurement is
// attributed to. ID is assigned by the daemon on registration and is
// empty for a locally built candidate.
type Scope struct {
	ID      string   `cbor:"id,omitempty" json:"id,omitempty"`
	Name    string   `cbor:"name" json:"name"`
	Members []Member `cbor:"members" json:"members"`
}

// NewScope returns an empty candidate scope with the given name.
func NewScope(name string) Scope {
	return Scope{Name: name}
}

// Add appends a member. Duplicates are ignored.
func (s *Scope) Add(t ResourceType, index int) {
	m := Member{Type: t, Index: index}
	for _, existing := range s.Members {
		if existing == m {
			return
		}
	}
	s.Members = append(s.Members, m)
}

// Equal reports whether two scopes cover the same resources. Name, ID
// and member order do not take part in the comparison.
func (s Scope) Equal(other Scope) bool {
	return s.Key() == other.Key()
}

// Key returns a canonical representation of the membership set, e.g.
// "cpu:0,cpu:1,numa:0". Structurally equal scopes have equal keys.
func (s Scope) Key() string {
	members := make([]Member, len(s.Members))
	copy(members, s.Members)
	sort.Slice(members, func(i, j int) bool {
		if members[i].Type != members[j].Type {
			return members[i].Type < members[j].Type
		}
		return members[i].Index < members[j].Index
	})

	parts := make([]string, 0, len(members))
	var last *Member
	for i := range members {
		if last != nil && *last == members[i] {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%d", members[i].Type, members[i].Index))
		last = &members[i]
	}
	return strings.Join(parts, ",")
}

// Sensor is a named telemetry stream registered with the daemon.
type Sensor struct {
	ID   string `cbor:"id,omitempty" json:"id,omitempty"`
	Name string `cbor:"name" json:"name"`
}

// Event is a single timestamped sample for one sensor and scope.
// Time is in nanoseconds since the Unix epoch.
type Event struct {
	Session string  `cbor:"session" json:"session"`
	Time    int64   `cbor:"time" json:"time"`
	Sensor  string  `cbor:"sensor" json:"sensor"`
	Scope   string  `cbor:"scope" json:"scope"`
	Value   float64 `cbor:"value" json:"value"`
}
