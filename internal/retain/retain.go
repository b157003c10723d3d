// Package retain implements the broker's retained-message store: a topic
// trie where each node holds at most the most recently retained message for
// that exact topic, with wildcard-aware lookup for new subscribers.
package retain

import (
	"strings"
	"sync"

	"github.com/mqttforge/broker/internal/message"
)

// Store is the retained-message trie.
type Store struct {
	root *node
}

type node struct {
	mu       sync.RWMutex
	children map[string]*node
	message  *message.Publish
}

// New creates an empty retained-message store.
func New() *Store {
	return &Store{root: &node{}}
}

// Insert replaces the retained message for topicName. An empty payload
// removes the entry instead of storing it (MQTT's documented convention for
// clearing a retained message). Returns the prior message, if any.
func (s *Store) Insert(topicName string, msg *message.Publish) (prior *message.Publish) {
	if len(msg.Payload) == 0 {
		return s.Remove(topicName)
	}
	segs := strings.Split(topicName, "/")
	return s.root.insert(segs, msg)
}

func (n *node) insert(segs []string, msg *message.Publish) (prior *message.Publish) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(segs) == 0 {
		prior = n.message
		n.message = msg
		return prior
	}

	seg := segs[0]
	child, ok := n.children[seg]
	if !ok {
		child = &node{}
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		n.children[seg] = child
	}
	return child.insert(segs[1:], msg)
}

// Remove erases the retained message at topicName and prunes any ancestor
// nodes that become empty as a result.
func (s *Store) Remove(topicName string) (prior *message.Publish) {
	segs := strings.Split(topicName, "/")
	_, prior = s.root.remove(segs)
	return prior
}

func (n *node) remove(segs []string) (empty bool, prior *message.Publish) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(segs) == 0 {
		prior = n.message
		n.message = nil
		return n.isEmptyLocked(), prior
	}

	seg := segs[0]
	child, ok := n.children[seg]
	if !ok {
		return n.isEmptyLocked(), nil
	}
	childEmpty, p := child.remove(segs[1:])
	prior = p
	if childEmpty {
		delete(n.children, seg)
	}
	return n.isEmptyLocked(), prior
}

func (n *node) isEmptyLocked() bool {
	return n.message == nil && len(n.children) == 0
}

// Search returns every retained message matching topicFilter, honouring "+"
// and "#" wildcards. Per §4.A, "#" matches the current level's own retained
// message too (so "a/#" matches a retained message stored at "a"), and a
// filter whose first level is a wildcard never matches a topic beginning
// with '$'. Result ordering is unspecified.
func (s *Store) Search(topicFilter string) []*message.Publish {
	segs := strings.Split(topicFilter, "/")
	var out []*message.Publish
	s.root.search(segs, true, &out)
	return out
}

func (n *node) search(segs []string, atRoot bool, out *[]*message.Publish) {
	if len(segs) == 0 {
		n.mu.RLock()
		msg := n.message
		n.mu.RUnlock()
		if msg != nil {
			*out = append(*out, msg)
		}
		return
	}

	level := segs[0]

	switch level {
	case "+":
		n.mu.RLock()
		children := n.children
		n.mu.RUnlock()
		for childTopic, child := range children {
			if atRoot && len(childTopic) > 0 && childTopic[0] == '$' {
				continue
			}
			child.search(segs[1:], false, out)
		}
	case "#":
		if atRoot {
			// filter is bare "#": collect everything except $-namespaces,
			// which a root-level wildcard must never match.
			n.mu.RLock()
			children := n.children
			n.mu.RUnlock()
			for childTopic, child := range children {
				if len(childTopic) > 0 && childTopic[0] == '$' {
					continue
				}
				child.collectAll(out)
			}
			return
		}
		// "#" matches the current node's own content too (e.g. "a/#"
		// matches a retained message stored at "a").
		n.collectAll(out)
	default:
		n.mu.RLock()
		child, ok := n.children[level]
		n.mu.RUnlock()
		if ok {
			child.search(segs[1:], false, out)
		}
	}
}

// collectAll gathers this node's own retained message (the "#" rule
// includes the current level) plus every descendant's.
func (n *node) collectAll(out *[]*message.Publish) {
	n.mu.RLock()
	msg := n.message
	children := n.children
	n.mu.RUnlock()

	if msg != nil {
		*out = append(*out, msg)
	}
	for _, child := range children {
		child.collectAll(out)
	}
}
