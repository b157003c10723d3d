// Package route implements the broker's subscription index: a topic trie
// keyed by topic filter, supporting MQTT wildcards and shared-subscription
// groups.
package route

import (
	"hash/fnv"
	"strings"
	"sync"
)

// Options mirrors the subscribe options a client attaches to a filter:
// granted QoS plus the MQTT v5.0 subscribe-options byte fields.
type Options struct {
	QoS                    uint8
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         uint8
	SubscriptionIdentifier uint32 // 0 means absent
}

// Subscriber is one entry matched by Table.Match: the client that should
// receive the message, the options it subscribed with, and (for shared
// subscriptions) the group it was picked from.
type Subscriber struct {
	ClientID string
	Options  Options
	Group    string // empty for non-shared subscriptions
}

// Table is the subscription index: a trie whose levels are topic-filter
// segments, with "+" and "#" stored as ordinary (literal) map keys and
// treated as wildcards only while matching.
type Table struct {
	root *node
}

type node struct {
	mu           sync.RWMutex
	children     map[string]*node
	subscribers  map[string]Options // client_id -> options, non-shared
	sharedGroups map[string]*group
}

// group is a deterministic, hash-addressable bucket of subscribers sharing
// one $share/<name>/ filter: an insertion-stable slice plus an index by
// client_id so members can be added, removed, and picked by hash in O(1).
type group struct {
	members []groupMember
	index   map[string]int
}

type groupMember struct {
	clientID string
	options  Options
}

func newNode() *node {
	return &node{}
}

// New creates an empty Route Table.
func New() *Table {
	return &Table{root: newNode()}
}

// splitFilter strips a leading "$share/<group>/" prefix, if present, and
// returns the group name ("" if this is not a shared subscription) plus the
// remaining filter segments.
func splitFilter(filter string) (group string, segments []string) {
	segments = strings.Split(filter, "/")
	if len(segments) >= 3 && segments[0] == "$share" {
		group = segments[1]
		segments = segments[2:]
	}
	return group, segments
}

// Subscribe records clientID as a subscriber of filter with the given
// options. Re-subscribing to the same filter replaces the prior options.
func (t *Table) Subscribe(filter, clientID string, opts Options) {
	group, segs := splitFilter(filter)
	t.root.subscribe(segs, group, clientID, opts)
}

func (n *node) subscribe(segs []string, group, clientID string, opts Options) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(segs) == 0 {
		if group != "" {
			n.subscribeShared(group, clientID, opts)
		} else {
			if n.subscribers == nil {
				n.subscribers = make(map[string]Options)
			}
			n.subscribers[clientID] = opts
		}
		return
	}

	seg := segs[0]
	child, ok := n.children[seg]
	if !ok {
		child = newNode()
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		n.children[seg] = child
	}
	child.subscribe(segs[1:], group, clientID, opts)
}

func (n *node) subscribeShared(groupName, clientID string, opts Options) {
	if n.sharedGroups == nil {
		n.sharedGroups = make(map[string]*group)
	}
	g, ok := n.sharedGroups[groupName]
	if !ok {
		g = &group{index: make(map[string]int)}
		n.sharedGroups[groupName] = g
	}
	if i, ok := g.index[clientID]; ok {
		g.members[i].options = opts
		return
	}
	g.index[clientID] = len(g.members)
	g.members = append(g.members, groupMember{clientID: clientID, options: opts})
}

// Unsubscribe removes clientID's subscription to filter, pruning empty
// groups, empty subscriber maps, and empty child nodes bottom-up.
func (t *Table) Unsubscribe(filter, clientID string) {
	group, segs := splitFilter(filter)
	t.root.unsubscribe(segs, group, clientID)
}

func (n *node) unsubscribe(segs []string, group, clientID string) (empty bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(segs) == 0 {
		if group != "" {
			if g, ok := n.sharedGroups[group]; ok {
				g.remove(clientID)
				if len(g.members) == 0 {
					delete(n.sharedGroups, group)
				}
			}
		} else {
			delete(n.subscribers, clientID)
		}
		return n.isEmptyLocked()
	}

	seg := segs[0]
	child, ok := n.children[seg]
	if !ok {
		return n.isEmptyLocked()
	}
	if child.unsubscribe(segs[1:], group, clientID) {
		delete(n.children, seg)
	}
	return n.isEmptyLocked()
}

func (g *group) remove(clientID string) {
	i, ok := g.index[clientID]
	if !ok {
		return
	}
	last := len(g.members) - 1
	moved := g.members[last]
	g.members[i] = moved
	g.index[moved.clientID] = i
	g.members = g.members[:last]
	delete(g.index, clientID)
}

func (n *node) isEmptyLocked() bool {
	return len(n.children) == 0 && len(n.subscribers) == 0 && len(n.sharedGroups) == 0
}

// UnsubscribeAll removes every subscription belonging to clientID from
// every node in the tree. Used on session teardown (§4.E remove_client).
func (t *Table) UnsubscribeAll(clientID string) {
	t.root.unsubscribeAll(clientID)
}

func (n *node) unsubscribeAll(clientID string) (empty bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.subscribers, clientID)
	for name, g := range n.sharedGroups {
		g.remove(clientID)
		if len(g.members) == 0 {
			delete(n.sharedGroups, name)
		}
	}
	for seg, child := range n.children {
		if child.unsubscribeAll(clientID) {
			delete(n.children, seg)
		}
	}
	return n.isEmptyLocked()
}

// Match finds every subscriber whose filter matches topicName, following
// MQTT's wildcard rules (exact, "+", and "#" children at every level) and
// the §4.A/§4.B rule that a topic beginning with '$' is never matched by a
// filter whose first level is a wildcard. publisherClientID is the hash key
// used to deterministically pick one member of each matched shared group,
// per §4.B's hash(publisher) mod |group| rule.
func (t *Table) Match(topicName, publisherClientID string) []Subscriber {
	segs := strings.Split(topicName, "/")
	var out []Subscriber
	t.root.match(segs, true, publisherClientID, &out)
	return out
}

func (n *node) match(segs []string, atRoot bool, publisherClientID string, out *[]Subscriber) {
	n.mu.RLock()
	var (
		exactChild, plusChild, hashChild *node
		subs                             map[string]Options
		groups                           map[string]*group
	)
	if len(segs) > 0 {
		exactChild = n.children[segs[0]]
		plusChild = n.children["+"]
	} else {
		subs = n.subscribers
		groups = n.sharedGroups
	}
	hashChild = n.children["#"]
	n.mu.RUnlock()

	isDollar := len(segs) > 0 && len(segs[0]) > 0 && segs[0][0] == '$'

	if len(segs) == 0 {
		for clientID, opts := range subs {
			*out = append(*out, Subscriber{ClientID: clientID, Options: opts})
		}
		for name, g := range groups {
			if m, ok := g.pick(publisherClientID); ok {
				*out = append(*out, Subscriber{ClientID: m.clientID, Options: m.options, Group: name})
			}
		}
		// a "#" child of the terminal node also matches (the empty remainder).
		if hashChild != nil && !isDollar {
			hashChild.collectTerminal(publisherClientID, out)
		}
		return
	}

	if exactChild != nil {
		exactChild.match(segs[1:], false, publisherClientID, out)
	}
	if plusChild != nil && !(isDollar && atRoot) {
		plusChild.match(segs[1:], false, publisherClientID, out)
	}
	if hashChild != nil && !(isDollar && atRoot) {
		hashChild.collectTerminal(publisherClientID, out)
	}
}

// collectTerminal gathers every subscriber registered directly on a "#"
// node, regardless of how many further topic levels would have followed.
func (n *node) collectTerminal(publisherClientID string, out *[]Subscriber) {
	n.mu.RLock()
	subs := n.subscribers
	groups := n.sharedGroups
	n.mu.RUnlock()

	for clientID, opts := range subs {
		*out = append(*out, Subscriber{ClientID: clientID, Options: opts})
	}
	for name, g := range groups {
		if m, ok := g.pick(publisherClientID); ok {
			*out = append(*out, Subscriber{ClientID: m.clientID, Options: m.options, Group: name})
		}
	}
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}

// pick deterministically selects one member using hash(publisherClientID)
// mod |group|, so every message from one publisher reaches the same member.
func (g *group) pick(publisherClientID string) (groupMember, bool) {
	if len(g.members) == 0 {
		return groupMember{}, false
	}
	idx := hashKey(publisherClientID) % uint64(len(g.members))
	return g.members[idx], true
}
