package catalog

import (
	"fmt"
	"testing"

	"marketplace/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func radius(v float64) *float64 { return &v }

func TestPublishOverwritesByDefault(t *testing.T) {
	c, err := New(10, nil, nil)
	require.NoError(t, err)

	c.Publish(types.Topic{Title: "T", Radius: radius(5)})
	stored := c.Publish(types.Topic{Title: "T", Coord: &types.Coordinate{Lat: 1, Lng: 2}})

	assert.Nil(t, stored.Radius, "republish must not merge old fields")
	require.NotNil(t, stored.Coord)
	assert.Equal(t, []types.Topic{stored}, c.All())
}

func TestKeepFirstPolicy(t *testing.T) {
	c, err := New(10, KeepFirst, nil)
	require.NoError(t, err)

	c.Publish(types.Topic{Title: "T", Radius: radius(5)})
	stored := c.Publish(types.Topic{Title: "T"})

	require.NotNil(t, stored.Radius)
	assert.Equal(t, 5.0, *stored.Radius)
}

func TestAllIsSnapshot(t *testing.T) {
	var evicted []types.TopicTitle
	c, err := New(3, nil, func(t types.Topic) { evicted = append(evicted, t.Title) })
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c.Publish(types.Topic{Title: types.TopicTitle(fmt.Sprintf("t%d", i))})
	}

	all := c.All()
	assert.Len(t, all, 3)
	assert.Equal(t, []types.TopicTitle{"t0"}, evicted)

	titles := make([]types.TopicTitle, 0, len(all))
	for _, topic := range all {
		titles = append(titles, topic.Title)
	}
	assert.ElementsMatch(t, []types.TopicTitle{"t1", "t2", "t3"}, titles)
}
