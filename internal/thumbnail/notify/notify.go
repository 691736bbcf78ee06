// Meshvault is a 3D-asset library service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package notify provides best-effort fan-out of thumbnail state changes.
// The thumbnail record in the store stays canonical: a lost or duplicated
// event must never be treated as state. Deployments that poll the record
// directly run the Noop bus.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"meshvault/pkg/thumbnail"
)

// Topic names. Subscribers key on one version, one model, or everything.
const (
	TopicAllModels = "all_models"
)

// TopicModelVersionThumbnail is the per-version thumbnail status topic.
func TopicModelVersionThumbnail(modelVersionID int64) string {
	return fmt.Sprintf("model_version_thumbnail:%d", modelVersionID)
}

// TopicModelActiveVersion is the per-model active-version topic.
func TopicModelActiveVersion(modelID int64) string {
	return fmt.Sprintf("model_active_version:%d", modelID)
}

// EventType identifies what changed.
type EventType string

const (
	EventThumbnailStatusChanged EventType = "thumbnail-status-changed"
	EventActiveVersionChanged   EventType = "model-active-version-changed"
)

// Event is the wire payload published to subscribers. Timestamp is a
// monotonically increasing stamp per bus; receivers discard stale events.
type Event struct {
	Type           EventType              `json:"type"`
	ModelID        int64                  `json:"modelId"`
	ModelVersionID int64                  `json:"modelVersionId"`
	Status         thumbnail.RecordStatus `json:"status"`
	FileRef        *string                `json:"fileRef,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Sequence       uint64                 `json:"sequence"`
}

// Bus publishes thumbnail state-change events. Delivery is best-effort.
type Bus interface {
	Publish(ctx context.Context, ev Event)
}

// Noop is a Bus that discards every event. It is a first-class deployment
// choice, not a test double.
type Noop struct{}

// Publish discards the event.
func (Noop) Publish(context.Context, Event) {}

// subscriber is one registered channel with its topic filter.
type subscriber struct {
	topics map[string]struct{}
	ch     chan Event
}

// Hub is an in-process Bus with a subscription registry. Sends are
// non-blocking: a slow subscriber drops events rather than stalling
// the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
	seq    uint64
	logger *log.Logger
	now    func() time.Time
}

// NewHub constructs a Hub. logger may be nil.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		subs:   make(map[int64]*subscriber),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

const subscriberBuffer = 16

// Subscribe registers a channel for the given topics. The returned cancel
// function removes the subscription and closes the channel; it is safe to
// call more than once.
func (h *Hub) Subscribe(topics ...string) (<-chan Event, func()) {
	sub := &subscriber{
		topics: make(map[string]struct{}, len(topics)),
		ch:     make(chan Event, subscriberBuffer),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if cur, ok := h.subs[id]; ok && cur == sub {
				delete(h.subs, id)
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish stamps the event and fans it out to matching subscribers.
// Events for a version are also delivered to the model topic and the
// broadcast group.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.Lock()
	h.seq++
	ev.Sequence = h.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}

	versionTopic := TopicModelVersionThumbnail(ev.ModelVersionID)
	modelTopic := TopicModelActiveVersion(ev.ModelID)

	dropped := 0
	for _, sub := range h.subs {
		if !sub.matches(versionTopic, modelTopic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 && h.logger != nil {
		h.logger.Printf("[notify] dropped event seq=%d for %d slow subscriber(s)", ev.Sequence, dropped)
	}
}

func (s *subscriber) matches(versionTopic, modelTopic string) bool {
	if _, ok := s.topics[TopicAllModels]; ok {
		return true
	}
	if _, ok := s.topics[versionTopic]; ok {
		return true
	}
	_, ok := s.topics[modelTopic]
	return ok
}
