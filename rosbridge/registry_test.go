package rosbridge

import (
	"encoding/json"
	"testing"
)

func TestSubscriptionRegistryLastWriterWins(t *testing.T) {
	registry := newSubscriptionRegistry()

	registry.put(&subscription{id: "1", topic: "/scan", handler: func(json.RawMessage) {}})
	registry.put(&subscription{id: "2", topic: "/scan", handler: func(json.RawMessage) {}})

	if registry.size() != 1 {
		t.Fatalf("expected exactly one live entry for topic, got %d", registry.size())
	}
	entry := registry.find("/scan")
	if entry == nil || entry.id != "2" {
		t.Fatalf("expected the second subscription to win, got %+v", entry)
	}
}

func TestSubscriptionRegistryRemove(t *testing.T) {
	registry := newSubscriptionRegistry()
	registry.put(&subscription{id: "1", topic: "/scan"})

	registry.remove("/scan")
	if registry.find("/scan") != nil {
		t.Fatalf("entry should be gone after remove")
	}
	registry.remove("/scan")
}

func TestSubscriptionRegistrySnapshotSorted(t *testing.T) {
	registry := newSubscriptionRegistry()
	registry.put(&subscription{id: "1", topic: "/zeta"})
	registry.put(&subscription{id: "2", topic: "/alpha"})
	registry.put(&subscription{id: "3", topic: "/mid"})

	snapshot := registry.snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(snapshot))
	}
	for i := 1; i < len(snapshot); i++ {
		if snapshot[i-1].topic >= snapshot[i].topic {
			t.Fatalf("snapshot not sorted by topic: %q before %q", snapshot[i-1].topic, snapshot[i].topic)
		}
	}
}

func TestAdvertisementRegistrySetSemantics(t *testing.T) {
	registry := newAdvertisementRegistry()

	registry.put("/cmd_vel", "geometry_msgs/Twist")
	registry.put("/cmd_vel", "geometry_msgs/Twist")
	if registry.size() != 1 {
		t.Fatalf("duplicate advertise should not grow the set, size = %d", registry.size())
	}

	registry.put("/status", "std_msgs/String")
	if registry.size() != 2 {
		t.Fatalf("size = %d, want 2", registry.size())
	}

	registry.remove("/cmd_vel")
	if registry.size() != 1 {
		t.Fatalf("size after remove = %d, want 1", registry.size())
	}

	snapshot := registry.snapshot()
	if len(snapshot) != 1 || snapshot[0].topic != "/status" || snapshot[0].messageType != "std_msgs/String" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestPendingCallTableTakeIsOneShot(t *testing.T) {
	table := newPendingCallTable()
	table.put("5", func(json.RawMessage) {})
	table.put("6", func(json.RawMessage) {})

	handler, exists := table.take("5")
	if !exists || handler == nil {
		t.Fatalf("expected to take handler for id 5")
	}
	if _, again := table.take("5"); again {
		t.Fatalf("second take for the same id should miss")
	}
	if table.size() != 1 {
		t.Fatalf("taking one entry should leave the other, size = %d", table.size())
	}
}

func TestPendingCallTableUnknownID(t *testing.T) {
	table := newPendingCallTable()
	table.put("7", func(json.RawMessage) {})

	if _, exists := table.take("no-such-id"); exists {
		t.Fatalf("unknown id should miss")
	}
	if table.size() != 1 {
		t.Fatalf("a miss must not disturb other entries, size = %d", table.size())
	}
}
