package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestListPendingOutboxIDs_MergesMessagesAndDeliveredStates(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("merges", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "values", Value: bson.A{"ob-1", "ob-2"}}))
		mt.AddMockResponses(
			mtest.CreateCursorResponse(1, "testdb.outbox_state", mtest.FirstBatch, bson.D{
				{Key: "_id", Value: "ob-3"},
				{Key: "version", Value: int64(1)},
				{Key: "lock_token", Value: ""},
				{Key: "delivered", Value: time.Now().UTC()},
			}),
			mtest.CreateCursorResponse(0, "testdb.outbox_state", mtest.NextBatch),
		)

		store := New(mt.Client, "testdb", 30*time.Second)

		ids, err := store.ListPendingOutboxIDs(context.Background(), 10)
		require.NoError(t, err)
		require.Len(t, ids, 3)
	})
}
