package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webmirror/internal/crawler"
)

var _ crawler.Publisher = (*Publisher)(nil)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "crawl.finished", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "crawl.interrupted", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "crawl.finished", msgs[0].Topic)
	require.Equal(t, "crawl.interrupted", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "crawl.finished", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Publish(ctx, "t", nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, New().Messages())
}
