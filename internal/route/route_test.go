package route

import "testing"

func clientIDs(subs []Subscriber) map[string]bool {
	out := make(map[string]bool, len(subs))
	for _, s := range subs {
		out[s.ClientID] = true
	}
	return out
}

func TestMatchExact(t *testing.T) {
	tbl := New()
	tbl.Subscribe("a/b", "c1", Options{QoS: 1})

	got := tbl.Match("a/b", "pub")
	if len(got) != 1 || got[0].ClientID != "c1" {
		t.Fatalf("expected 1 match for c1, got %+v", got)
	}
}

func TestMatchSingleLevelWildcard(t *testing.T) {
	tbl := New()
	tbl.Subscribe("sensors/+/temperature", "c1", Options{})

	if got := tbl.Match("sensors/room1/temperature", "pub"); len(got) != 1 {
		t.Fatalf("expected 1 match, got %d", len(got))
	}
	if got := tbl.Match("sensors/room1/room2/temperature", "pub"); len(got) != 0 {
		t.Fatalf("+ must not cross a level boundary, got %d matches", len(got))
	}
}

// TestFanOutMultiLevelWildcard is scenario S1 from the spec: two
// subscribers on a "#" filter each receive exactly one publish.
func TestFanOutMultiLevelWildcard(t *testing.T) {
	tbl := New()
	tbl.Subscribe("sport/#", "c1", Options{})
	tbl.Subscribe("sport/#", "c2", Options{})

	got := clientIDs(tbl.Match("sport/tennis", "c3"))
	if !got["c1"] || !got["c2"] || len(got) != 2 {
		t.Fatalf("expected c1 and c2 exactly once each, got %v", got)
	}
}

func TestHashMatchesTerminalNode(t *testing.T) {
	tbl := New()
	tbl.Subscribe("a/#", "c1", Options{})

	got := tbl.Match("a", "pub")
	if len(got) != 1 || got[0].ClientID != "c1" {
		t.Fatalf("a/# must match topic 'a' itself, got %+v", got)
	}
}

func TestDollarTopicProtectedFromRootWildcard(t *testing.T) {
	tbl := New()
	tbl.Subscribe("#", "c1", Options{})
	tbl.Subscribe("+/status", "c2", Options{})

	if got := tbl.Match("$SYS/broker/uptime", "pub"); len(got) != 0 {
		t.Fatalf("root-level wildcard must not match a $ topic, got %v", got)
	}
	if got := tbl.Match("$SYS/status", "pub"); len(got) != 0 {
		t.Fatalf("root-level + must not match a $ topic, got %v", got)
	}
}

func TestResubscribeReplacesOptions(t *testing.T) {
	tbl := New()
	tbl.Subscribe("a/b", "c1", Options{QoS: 0})
	tbl.Subscribe("a/b", "c1", Options{QoS: 2})

	got := tbl.Match("a/b", "pub")
	if len(got) != 1 {
		t.Fatalf("re-subscribing must not duplicate the subscriber, got %d entries", len(got))
	}
	if got[0].Options.QoS != 2 {
		t.Fatalf("re-subscribing must replace options, got QoS %d", got[0].Options.QoS)
	}
}

func TestUnsubscribePrunesEmptyNodes(t *testing.T) {
	tbl := New()
	tbl.Subscribe("a/b/c", "c1", Options{})
	tbl.Unsubscribe("a/b/c", "c1")

	if !tbl.root.isEmptyLocked() {
		t.Fatalf("expected an empty root after unsubscribing the only subscriber")
	}
}

// TestSharedDispatchStableByPublisher is scenario S4: all messages from one
// publisher land on the same single shared-group member.
func TestSharedDispatchStableByPublisher(t *testing.T) {
	tbl := New()
	tbl.Subscribe("$share/g/room/+", "c1", Options{})
	tbl.Subscribe("$share/g/room/+", "c2", Options{})

	first := tbl.Match("room/1", "pub-A")
	if len(first) != 1 {
		t.Fatalf("expected exactly one shared delivery, got %d", len(first))
	}
	picked := first[0].ClientID
	for _, topic := range []string{"room/2", "room/3"} {
		got := tbl.Match(topic, "pub-A")
		if len(got) != 1 || got[0].ClientID != picked {
			t.Fatalf("all messages from one publisher must reach the same member, got %+v", got)
		}
	}
}

func TestSharedSubscriptionACLTopicStripsPrefix(t *testing.T) {
	tbl := New()
	tbl.Subscribe("$share/g/secret/#", "c1", Options{})

	got := tbl.Match("secret/data", "pub")
	if len(got) != 1 || got[0].Group != "g" {
		t.Fatalf("expected one delivery attributed to group g, got %+v", got)
	}
}
