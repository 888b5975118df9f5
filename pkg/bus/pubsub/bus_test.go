package pubsub

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/option"
)

func TestNew_PropagatesClientFactoryError(t *testing.T) {
	original := NewPubSubClient
	NewPubSubClient = func(ctx context.Context, projectID string, opts ...option.ClientOption) (*pubsub.Client, error) {
		return nil, errors.New("failed to connect to Pub/Sub")
	}
	defer func() { NewPubSubClient = original }()

	bus, err := New(context.Background(), "any-project")
	assert.Nil(t, bus)
	assert.EqualError(t, err, "failed to connect to Pub/Sub")
}
