package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string,    // task ID
//	  queue:       string,    // queue name
//	  payload:     []byte,    // JSON encoded api.Job
//	  enqueued_at: time.Time,
//	  not_before:  time.Time,
//	  attempts:    int,
//	  lease_owner: string,    // "" when not leased
//	  lease_until: time.Time,
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	name         string
	pollInterval time.Duration
	now          func() time.Time
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "flowline", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName, name string) *MongoQueue {
	if dbName == "" {
		dbName = "flowline"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	if name == "" {
		name = DefaultQueueName
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		name:         name,
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID         string    `bson:"_id"`
	Queue      string    `bson:"queue"`
	Payload    []byte    `bson:"payload"`
	EnqueuedAt time.Time `bson:"enqueued_at"`
	NotBefore  time.Time `bson:"not_before"`
	Attempts   int       `bson:"attempts"`
	LeaseOwner string    `bson:"lease_owner"`
	LeaseUntil time.Time `bson:"lease_until"`
}

// EnsureIndexes creates the index used by Dequeue.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}},
	})
	return err
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	prepare(&t, q.now().UTC())
	payload, err := encodeJob(t.Job)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         t.ID,
		Queue:      q.name,
		Payload:    payload,
		EnqueuedAt: t.EnqueuedAt.UTC(),
		NotBefore:  t.NotBefore.UTC(),
		Attempts:   t.Attempts,
	})
	return err
}

// Dequeue blocks (via polling) until a task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := q.now().UTC()
		filter := bson.M{
			"queue":      q.name,
			"not_before": bson.M{"$lte": now},
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_until": bson.M{"$lt": now}},
			},
		}
		// Pipeline update so the attempt bump sees the previous lease owner.
		update := mongo.Pipeline{{{Key: "$set", Value: bson.M{
			"attempts": bson.M{"$cond": bson.A{
				bson.M{"$ne": bson.A{"$lease_owner", ""}},
				bson.M{"$add": bson.A{"$attempts", 1}},
				"$attempts",
			}},
			"lease_owner": owner,
			"lease_until": now.Add(leaseTTL),
		}}}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			job, err := decodeJob(doc.Payload)
			if err != nil {
				return nil, fmt.Errorf("decode task %s: %w", doc.ID, err)
			}
			return &Task{
				ID:         doc.ID,
				Job:        job,
				EnqueuedAt: doc.EnqueuedAt,
				NotBefore:  doc.NotBefore,
				Attempts:   doc.Attempts,
			}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		if err := waitOrDone(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *MongoQueue) leaseFilter(taskID, owner string) bson.M {
	return bson.M{
		"_id":         taskID,
		"lease_owner": owner,
		"lease_until": bson.M{"$gte": q.now().UTC()},
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, q.leaseFilter(taskID, owner))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.update(ctx, taskID, owner, bson.M{"$set": bson.M{
		"not_before":  notBefore.UTC(),
		"attempts":    attempts,
		"lease_owner": "",
		"lease_until": time.Time{},
	}})
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.update(ctx, taskID, owner, bson.M{"$set": bson.M{
		"lease_until": q.now().UTC().Add(leaseTTL),
	}})
}

func (q *MongoQueue) update(ctx context.Context, taskID, owner string, update bson.M) error {
	res, err := q.coll.UpdateOne(ctx, q.leaseFilter(taskID, owner), update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{"queue": q.name})
	if err != nil {
		log.Warn().Err(err).Str("queue", q.name).Msg("mongo queue length failed")
		return 0
	}
	return int(n)
}
