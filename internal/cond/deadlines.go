// Copyright 2024 The Shadow-Go Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cond

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// deadlineItem is one entry in a DeadlineSet, ordered by (deadline, seq)
// so ties between simultaneously-armed conditions are broken
// deterministically by arrival order.
type deadlineItem struct {
	deadline time.Time
	seq      uint64
	cond     *Condition
}

func (d *deadlineItem) Less(other btree.Item) bool {
	o := other.(*deadlineItem)
	if d.deadline.Equal(o.deadline) {
		return d.seq < o.seq
	}
	return d.deadline.Before(o.deadline)
}

// DeadlineSet keeps every currently-armed Condition's deadline ordered so
// a host's resume loop can find the single next-expiring condition in
// O(log n) rather than scanning every blocked thread on each step; the
// latency model's run-ahead check needs exactly this query once per
// dispatch, not a linear scan of the host's blocked threads.
type DeadlineSet struct {
	mu   sync.Mutex
	tree *btree.BTree
	seq  uint64
	byCond map[*Condition]*deadlineItem
}

// NewDeadlineSet returns an empty set.
func NewDeadlineSet() *DeadlineSet {
	return &DeadlineSet{tree: btree.New(8), byCond: make(map[*Condition]*deadlineItem)}
}

// Arm inserts or replaces c's entry with the given deadline.
func (s *DeadlineSet) Arm(c *Condition, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byCond[c]; ok {
		s.tree.Delete(old)
	}
	s.seq++
	item := &deadlineItem{deadline: deadline, seq: s.seq, cond: c}
	s.byCond[c] = item
	s.tree.ReplaceOrInsert(item)
}

// Disarm removes c's entry, if any.
func (s *DeadlineSet) Disarm(c *Condition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byCond[c]; ok {
		s.tree.Delete(old)
		delete(s.byCond, c)
	}
}

// Next returns the Condition with the earliest deadline, if any.
func (s *DeadlineSet) Next() (*Condition, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *deadlineItem
	s.tree.Ascend(func(it btree.Item) bool {
		found = it.(*deadlineItem)
		return false
	})
	if found == nil {
		return nil, time.Time{}, false
	}
	return found.cond, found.deadline, true
}

// Len returns the number of armed conditions.
func (s *DeadlineSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}
