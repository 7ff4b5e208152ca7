package events

import (
	"sync"
)

// Subscriber receives events for the runs it is subscribed to.
//
// Deliver is called with no Hub lock held, once per event, in publish order
// for a given run. It must not block: a subscriber that cannot keep up should
// drop or disconnect rather than stall the publisher.
type Subscriber interface {
	ID() string
	Deliver(Event)
}

// Hub maps run ids to subscriber sets. Delivery is at-most-once and never
// buffered: an event published while a run has no subscribers is gone.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[string]Subscriber // runID -> subscriber ID -> subscriber
	subs   map[string]map[string]struct{}   // subscriber ID -> runIDs
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[string]Subscriber),
		subs:   make(map[string]map[string]struct{}),
	}
}

// Subscribe registers sub for events of runID. Subscribing twice is a no-op.
// Returns false if the hub has been closed.
func (h *Hub) Subscribe(sub Subscriber, runID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	topic, ok := h.topics[runID]
	if !ok {
		topic = make(map[string]Subscriber)
		h.topics[runID] = topic
	}
	topic[sub.ID()] = sub

	runs, ok := h.subs[sub.ID()]
	if !ok {
		runs = make(map[string]struct{})
		h.subs[sub.ID()] = runs
	}
	runs[runID] = struct{}{}
	return true
}

// Unsubscribe removes sub from runID.
func (h *Hub) Unsubscribe(sub Subscriber, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub.ID(), runID)
}

// UnsubscribeAll removes sub from every run. Connections call this when they
// close.
func (h *Hub) UnsubscribeAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for runID := range h.subs[sub.ID()] {
		h.removeLocked(sub.ID(), runID)
	}
	delete(h.subs, sub.ID())
}

func (h *Hub) removeLocked(subID, runID string) {
	if topic, ok := h.topics[runID]; ok {
		delete(topic, subID)
		if len(topic) == 0 {
			delete(h.topics, runID)
		}
	}
	if runs, ok := h.subs[subID]; ok {
		delete(runs, runID)
		if len(runs) == 0 {
			delete(h.subs, subID)
		}
	}
}

// Publish delivers ev to the subscribers of runID currently attached and
// returns how many received it.
func (h *Hub) Publish(runID string, ev Event) int {
	h.mu.RLock()
	topic := h.topics[runID]
	targets := make([]Subscriber, 0, len(topic))
	for _, sub := range topic {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	if ev.RunID == "" {
		ev.RunID = runID
	}
	for _, sub := range targets {
		sub.Deliver(ev)
	}
	return len(targets)
}

// Subscribers returns the number of subscribers attached to runID.
func (h *Hub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[runID])
}

// Close drops every subscription and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.topics = make(map[string]map[string]Subscriber)
	h.subs = make(map[string]map[string]struct{})
}
