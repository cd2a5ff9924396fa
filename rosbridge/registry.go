package rosbridge

import (
	"encoding/json"
	"sort"
	"sync"
)

// MessageHandler receives the "msg" object of a topic delivery frame. The
// payload is opaque to the client; decode it into whatever schema the topic
// carries.
type MessageHandler func(msg json.RawMessage)

// ServiceHandler receives the "values" object of a service_response frame,
// which may be empty for services without a return value.
type ServiceHandler func(values json.RawMessage)

// subscription is one live registry entry: the replayable subscribe
// parameters plus the local delivery handler.
type subscription struct {
	id           string
	topic        string
	messageType  string
	throttleRate uint
	handler      MessageHandler
}

// subscriptionRegistry tracks at most one live subscription per topic.
// Entries survive disconnects; only an explicit unsubscribe removes them.
type subscriptionRegistry struct {
	lock    sync.Mutex
	entries map[string]*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{entries: make(map[string]*subscription)}
}

// put replaces any prior entry for the topic. Last writer wins: a topic
// delivers to one local consumer at a time.
func (registry *subscriptionRegistry) put(entry *subscription) {
	registry.lock.Lock()
	registry.entries[entry.topic] = entry
	registry.lock.Unlock()
}

func (registry *subscriptionRegistry) remove(topic string) {
	registry.lock.Lock()
	delete(registry.entries, topic)
	registry.lock.Unlock()
}

func (registry *subscriptionRegistry) find(topic string) *subscription {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return registry.entries[topic]
}

func (registry *subscriptionRegistry) size() int {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return len(registry.entries)
}

// snapshot returns the live entries sorted by topic for deterministic replay.
func (registry *subscriptionRegistry) snapshot() []*subscription {
	registry.lock.Lock()
	entries := make([]*subscription, 0, len(registry.entries))
	for _, entry := range registry.entries {
		entries = append(entries, entry)
	}
	registry.lock.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].topic < entries[j].topic })
	return entries
}

// advertisement is one advertised (topic, message type) pair.
type advertisement struct {
	topic       string
	messageType string
}

// advertisementRegistry tracks the set of currently advertised topics.
// Set semantics: no duplicate topics. Entries survive disconnects.
type advertisementRegistry struct {
	lock    sync.Mutex
	entries map[string]string
}

func newAdvertisementRegistry() *advertisementRegistry {
	return &advertisementRegistry{entries: make(map[string]string)}
}

func (registry *advertisementRegistry) put(topic string, messageType string) {
	registry.lock.Lock()
	registry.entries[topic] = messageType
	registry.lock.Unlock()
}

func (registry *advertisementRegistry) remove(topic string) {
	registry.lock.Lock()
	delete(registry.entries, topic)
	registry.lock.Unlock()
}

func (registry *advertisementRegistry) size() int {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	return len(registry.entries)
}

// snapshot returns the advertised pairs sorted by topic for deterministic
// replay.
func (registry *advertisementRegistry) snapshot() []advertisement {
	registry.lock.Lock()
	entries := make([]advertisement, 0, len(registry.entries))
	for topic, messageType := range registry.entries {
		entries = append(entries, advertisement{topic: topic, messageType: messageType})
	}
	registry.lock.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].topic < entries[j].topic })
	return entries
}

// pendingCallTable maps service-call correlation ids to their one-shot
// response handlers. Entries are removed on delivery; a call that never
// receives a response stays in the table for the client's lifetime.
type pendingCallTable struct {
	lock    sync.Mutex
	entries map[string]ServiceHandler
}

func newPendingCallTable() *pendingCallTable {
	return &pendingCallTable{entries: make(map[string]ServiceHandler)}
}

func (table *pendingCallTable) put(id string, handler ServiceHandler) {
	table.lock.Lock()
	table.entries[id] = handler
	table.lock.Unlock()
}

// take removes and returns the handler for id. One-shot: a second take for
// the same id misses.
func (table *pendingCallTable) take(id string) (ServiceHandler, bool) {
	table.lock.Lock()
	defer table.lock.Unlock()

	handler, exists := table.entries[id]
	if exists {
		delete(table.entries, id)
	}
	return handler, exists
}

func (table *pendingCallTable) size() int {
	table.lock.Lock()
	defer table.lock.Unlock()
	return len(table.entries)
}
