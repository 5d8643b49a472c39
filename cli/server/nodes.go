package server

// This file contains the set of connected nodes answered by NodeUpdate.

import (
	"sort"
	"sync"

	"github.com/testbit/testbit/cli/proto"
)

type nodeSet struct {
	mu     sync.Mutex
	nextID int
	nodes  map[int]proto.NodeStatus
}

func newNodeSet() *nodeSet {
	return &nodeSet{nodes: make(map[int]proto.NodeStatus)}
}

func (s *nodeSet) add(status proto.NodeStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.nodes[s.nextID] = status
	return s.nextID
}

func (s *nodeSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

// assign records the test a node is running, 0 when idle.
func (s *nodeSet) assign(id int, testID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.TestID = testID
		s.nodes[id] = n
	}
}

// list returns the nodes in connection order.
func (s *nodeSet) list() []proto.NodeStatus {
	s.mu.Lock()
	ids := make([]int, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]proto.NodeStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.nodes[id])
	}
	s.mu.Unlock()
	return out
}
