// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

// seenSet remembers the most recent ids up to a fixed capacity,
// forgetting the oldest first. Not safe for concurrent use.
type seenSet struct {
	members map[string]struct{}
	ring    []string
	next    int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		members: make(map[string]struct{}, capacity),
		ring:    make([]string, capacity),
	}
}

func (s *seenSet) Contains(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Add records id, evicting the oldest id when full. Adding a present id
// is a no-op.
func (s *seenSet) Add(id string) {
	if s.Contains(id) {
		return
	}
	if evicted := s.ring[s.next]; evicted != "" {
		delete(s.members, evicted)
	}
	s.ring[s.next] = id
	s.members[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

func (s *seenSet) Len() int { return len(s.members) }
