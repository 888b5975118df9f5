// Package mongo implements the lock-token StateStore strategy on top of the
// official MongoDB driver. MongoDB has no row-lock primitive comparable to
// Postgres's SELECT ... FOR UPDATE, so this adapter serializes concurrent
// relay instances with an explicit LockToken CAS instead, backed by a
// session transaction for the rest of the attempt's writes.
package mongo

import (
	"context"
	"time"

	"github.com/outboxrelay/outbox/pkg/delivery"
	"github.com/outboxrelay/outbox/pkg/outbox"
	"github.com/outboxrelay/outbox/pkg/telemetry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store implements delivery.StateStore against MongoDB via
// go.mongodb.org/mongo-driver.
type Store struct {
	client         *mongo.Client
	stateColl      *mongo.Collection
	messageColl    *mongo.Collection
	lockExpiration time.Duration
}

// New wraps an already-connected *mongo.Client. lockExpiration is how long
// a LockToken is honored before a subsequent attempt is allowed to steal it
// from a relay instance presumed dead.
func New(client *mongo.Client, database string, lockExpiration time.Duration) *Store {
	db := client.Database(database)
	return &Store{
		client:         client,
		stateColl:      db.Collection("outbox_state"),
		messageColl:    db.Collection("outbox_message"),
		lockExpiration: lockExpiration,
	}
}

type stateDoc struct {
	ID                 string     `bson:"_id"`
	LastSequenceNumber *int64     `bson:"last_sequence_number"`
	Delivered          *time.Time `bson:"delivered"`
	Version            int64      `bson:"version"`
	LockToken          string     `bson:"lock_token"`
	LockedAt           time.Time  `bson:"locked_at"`
}

type messageDoc struct {
	ID                 string            `bson:"_id"`
	OutboxID           string            `bson:"outbox_id"`
	SequenceNumber     int64             `bson:"sequence_number"`
	DestinationAddress *string           `bson:"destination_address"`
	Payload            []byte            `bson:"payload"`
	Headers            map[string]string `bson:"headers"`
	CreatedAt          time.Time         `bson:"created_at"`
}

type session struct {
	mongoSession mongo.Session
	sessCtx      mongo.SessionContext
	ended        bool
}

func (s *session) Commit(ctx context.Context) error {
	s.ended = true
	defer s.mongoSession.EndSession(ctx)
	return s.mongoSession.CommitTransaction(s.sessCtx)
}

func (s *session) Rollback(ctx context.Context) error {
	if s.ended {
		return nil
	}
	s.ended = true
	defer s.mongoSession.EndSession(ctx)
	return s.mongoSession.AbortTransaction(s.sessCtx)
}

// BeginSession implements delivery.StateStore.
func (s *Store) BeginSession(ctx context.Context, level delivery.IsolationLevel) (delivery.Session, error) {
	mongoSession, err := s.client.StartSession()
	if err != nil {
		return nil, err
	}

	if err := mongoSession.StartTransaction(); err != nil {
		mongoSession.EndSession(ctx)
		return nil, err
	}

	return &session{mongoSession: mongoSession, sessCtx: mongo.NewSessionContext(ctx, mongoSession)}, nil
}

func sessCtx(sess delivery.Session) mongo.SessionContext {
	return sess.(*session).sessCtx
}

// LockState implements delivery.StateStore. An unlocked or expired-lock
// document is claimed by CAS-ing a fresh LockToken onto it; a document
// whose lock is held and fresh is reported as not acquired so the caller
// can retry per StateStore.SupportsAttemptRetry.
func (s *Store) LockState(ctx context.Context, sess delivery.Session, id outbox.OutboxID) (*outbox.OutboxState, bool, error) {
	sctx, span := telemetry.Tracer().Start(sessCtx(sess), "LockState")
	defer span.End()

	var doc stateDoc
	err := s.stateColl.FindOne(sctx, bson.M{"_id": string(id)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, true, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	now := time.Now().UTC()
	lockHeld := doc.LockToken != "" && now.Sub(doc.LockedAt) < s.lockExpiration

	state := docToState(doc)

	if lockHeld {
		return state, false, nil
	}

	newToken := outbox.NewMessageID()
	res, err := s.stateColl.UpdateOne(sctx,
		bson.M{"_id": string(id), "lock_token": doc.LockToken},
		bson.M{"$set": bson.M{"lock_token": string(newToken), "locked_at": now}},
	)
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}
	if res.ModifiedCount == 0 {
		return state, false, nil
	}

	state.LockToken = string(newToken)
	return state, true, nil
}

func docToState(doc stateDoc) *outbox.OutboxState {
	return &outbox.OutboxState{
		OutboxID:           outbox.OutboxID(doc.ID),
		LastSequenceNumber: doc.LastSequenceNumber,
		Delivered:          doc.Delivered,
		Version:            doc.Version,
		LockToken:          doc.LockToken,
	}
}

// InsertState implements delivery.StateStore.
func (s *Store) InsertState(ctx context.Context, sess delivery.Session, state outbox.OutboxState) error {
	token := state.LockToken
	if token == "" {
		token = string(outbox.NewMessageID())
	}

	// LockedAt is left zero so the token does not count as held once the
	// inserting attempt commits; the next attempt claims the document
	// through LockState's CAS like any other.
	_, err := s.stateColl.InsertOne(sessCtx(sess), stateDoc{
		ID:                 string(state.OutboxID),
		LastSequenceNumber: state.LastSequenceNumber,
		Delivered:          state.Delivered,
		Version:            state.Version,
		LockToken:          token,
	})
	return err
}

// ReplaceState implements delivery.StateStore. The lock token acquired by
// LockState is released (cleared) as part of the same write that commits
// the new state, so the next attempt finds the document unlocked.
func (s *Store) ReplaceState(ctx context.Context, sess delivery.Session, state outbox.OutboxState) error {
	res, err := s.stateColl.UpdateOne(sessCtx(sess),
		bson.M{"_id": string(state.OutboxID), "version": state.Version - 1},
		bson.M{"$set": bson.M{
			"last_sequence_number": state.LastSequenceNumber,
			"delivered":            state.Delivered,
			"version":              state.Version,
			"lock_token":           "",
		}},
	)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return delivery.ErrStaleVersion
	}

	return nil
}

// DeleteState implements delivery.StateStore.
func (s *Store) DeleteState(ctx context.Context, sess delivery.Session, id outbox.OutboxID) error {
	_, err := s.stateColl.DeleteOne(sessCtx(sess), bson.M{"_id": string(id)})
	return err
}

// LoadPendingMessages implements delivery.StateStore.
func (s *Store) LoadPendingMessages(ctx context.Context, sess delivery.Session, id outbox.OutboxID, since int64, limit int) ([]outbox.OutboxMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence_number", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.messageColl.Find(sessCtx(sess),
		bson.M{"outbox_id": string(id), "sequence_number": bson.M{"$gt": since}}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(sessCtx(sess))

	var out []outbox.OutboxMessage
	for cursor.Next(sessCtx(sess)) {
		var doc messageDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, outbox.OutboxMessage{
			OutboxID:           id,
			MessageID:          outbox.MessageID(doc.ID),
			SequenceNumber:     doc.SequenceNumber,
			DestinationAddress: doc.DestinationAddress,
			Payload:            doc.Payload,
			Headers:            doc.Headers,
			CreatedAt:          doc.CreatedAt,
		})
	}

	return out, cursor.Err()
}

// DeleteMessage implements delivery.StateStore.
func (s *Store) DeleteMessage(ctx context.Context, sess delivery.Session, id outbox.MessageID) error {
	_, err := s.messageColl.DeleteOne(sessCtx(sess), bson.M{"_id": string(id)})
	return err
}

// DeleteMessagesForOutbox implements delivery.StateStore.
func (s *Store) DeleteMessagesForOutbox(ctx context.Context, sess delivery.Session, id outbox.OutboxID) (int64, error) {
	res, err := s.messageColl.DeleteMany(sessCtx(sess), bson.M{"outbox_id": string(id)})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// ListPendingOutboxIDs implements delivery.StateStore. Documents with an
// empty outbox_id belong to a non-grouped pathway this service never
// picks up.
func (s *Store) ListPendingOutboxIDs(ctx context.Context, limit int) ([]outbox.OutboxID, error) {
	cursor, err := s.messageColl.Distinct(ctx, "outbox_id", bson.M{"outbox_id": bson.M{"$ne": ""}})
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []outbox.OutboxID
	for _, v := range cursor {
		if id, ok := v.(string); ok && !seen[id] {
			seen[id] = true
			out = append(out, outbox.OutboxID(id))
		}
	}

	deliveredCursor, err := s.stateColl.Find(ctx, bson.M{"delivered": bson.M{"$ne": nil}, "_id": bson.M{"$ne": ""}})
	if err != nil {
		return nil, err
	}
	defer deliveredCursor.Close(ctx)
	for deliveredCursor.Next(ctx) {
		var doc stateDoc
		if err := deliveredCursor.Decode(&doc); err != nil {
			return nil, err
		}
		if !seen[doc.ID] {
			seen[doc.ID] = true
			out = append(out, outbox.OutboxID(doc.ID))
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// SupportsAttemptRetry implements delivery.StateStore. A lost CAS is a
// transient race with another relay instance that usually clears within
// microseconds, so it is worth retrying inside the same worker invocation.
func (s *Store) SupportsAttemptRetry() bool { return true }
