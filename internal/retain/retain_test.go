package retain

import (
	"testing"

	"github.com/mqttforge/broker/internal/message"
)

func pub(topic string, payload string) *message.Publish {
	return &message.Publish{Topic: topic, Payload: []byte(payload), QoS: 1}
}

func TestInsertAndSearchExact(t *testing.T) {
	s := New()
	s.Insert("a/b", pub("a/b", "hello"))

	got := s.Search("a/b")
	if len(got) != 1 || string(got[0].Payload) != "hello" {
		t.Fatalf("expected one retained message, got %+v", got)
	}
}

func TestInsertReplacesPrior(t *testing.T) {
	s := New()
	s.Insert("a/b", pub("a/b", "first"))
	prior := s.Insert("a/b", pub("a/b", "second"))

	if prior == nil || string(prior.Payload) != "first" {
		t.Fatalf("expected prior message 'first', got %+v", prior)
	}
	if got := s.Search("a/b"); len(got) != 1 || string(got[0].Payload) != "second" {
		t.Fatalf("expected 'second' to replace 'first', got %+v", got)
	}
}

// TestEmptyPayloadRemoves covers MQTT's documented convention: retaining a
// message with an empty payload clears the entry instead of storing it.
func TestEmptyPayloadRemoves(t *testing.T) {
	s := New()
	s.Insert("a/b", pub("a/b", "hello"))
	s.Insert("a/b", pub("a/b", ""))

	if got := s.Search("a/b"); len(got) != 0 {
		t.Fatalf("expected empty-payload insert to remove the entry, got %+v", got)
	}
}

func TestRemovePrunesEmptyAncestors(t *testing.T) {
	s := New()
	s.Insert("a/b/c", pub("a/b/c", "hello"))
	s.Remove("a/b/c")

	if !s.root.isEmptyLocked() {
		t.Fatalf("expected an empty root after removing the only retained message")
	}
}

// TestHashMatchesOwnContent is scenario S3: "a/#" matches a message retained
// at the node "a" itself, not just its descendants.
func TestHashMatchesOwnContent(t *testing.T) {
	s := New()
	s.Insert("a", pub("a", "hello"))

	got := s.Search("a/#")
	if len(got) != 1 || string(got[0].Payload) != "hello" {
		t.Fatalf("expected a/# to match retained message at 'a', got %+v", got)
	}
}

func TestSearchWildcardFanOut(t *testing.T) {
	s := New()
	s.Insert("sport/tennis", pub("sport/tennis", "1"))
	s.Insert("sport/football", pub("sport/football", "2"))

	got := s.Search("sport/+")
	if len(got) != 2 {
		t.Fatalf("expected 2 retained matches, got %d", len(got))
	}
}

func TestRootWildcardExcludesDollarTopics(t *testing.T) {
	s := New()
	s.Insert("$SYS/broker/uptime", pub("$SYS/broker/uptime", "42"))
	s.Insert("sport/tennis", pub("sport/tennis", "1"))

	if got := s.Search("#"); len(got) != 1 {
		t.Fatalf("expected root-level # to exclude $ topics, got %d matches", len(got))
	}
	if got := s.Search("+/broker/uptime"); len(got) != 0 {
		t.Fatalf("expected root-level + to exclude $ topics, got %d matches", len(got))
	}
}

func TestNestedHashDoesNotFilterDollarDescendant(t *testing.T) {
	// the $ restriction applies only at the root level of the filter; once
	// a literal level has been matched, descending into a '#' may reach
	// children however they're named.
	s := New()
	s.Insert("a/$b", pub("a/$b", "hello"))

	got := s.Search("a/#")
	if len(got) != 1 {
		t.Fatalf("expected a/# to reach a/$b, got %d matches", len(got))
	}
}
