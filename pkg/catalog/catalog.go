// Package catalog holds the topics producers and operators have published.
package catalog

import (
	"marketplace/pkg/registry"
	"marketplace/pkg/types"
)

// RepublishPolicy decides what is stored when a title that is already in the
// catalog is published again.
type RepublishPolicy func(existing, incoming types.Topic) types.Topic

// LastWriteWins replaces the stored topic with the incoming one. Fields are
// never merged.
func LastWriteWins(_, incoming types.Topic) types.Topic { return incoming }

// KeepFirst ignores republishes of a known title.
func KeepFirst(existing, _ types.Topic) types.Topic { return existing }

type Catalog struct {
	topics *registry.Cache[types.TopicTitle, types.Topic]
	policy RepublishPolicy
}

// New creates a catalog bounded to capacity topics. A nil policy means
// LastWriteWins.
func New(capacity int, policy RepublishPolicy, onEvict func(types.Topic)) (*Catalog, error) {
	if policy == nil {
		policy = LastWriteWins
	}
	var cb registry.EvictFunc[types.TopicTitle, types.Topic]
	if onEvict != nil {
		cb = func(_ types.TopicTitle, t types.Topic) { onEvict(t) }
	}
	topics, err := registry.NewCache[types.TopicTitle, types.Topic](capacity, cb)
	if err != nil {
		return nil, err
	}
	return &Catalog{topics: topics, policy: policy}, nil
}

// Publish stores topic under its title and returns what ended up in the
// catalog.
func (c *Catalog) Publish(topic types.Topic) types.Topic {
	stored, _ := c.topics.Upsert(topic.Title, func(old types.Topic, exists bool) types.Topic {
		if !exists {
			return topic
		}
		return c.policy(old, topic)
	})
	return stored
}

// All returns a snapshot of every cataloged topic.
func (c *Catalog) All() []types.Topic {
	return c.topics.Values()
}

func (c *Catalog) Len() int { return c.topics.Len() }
