package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/piata/pkg/config"
	"github.com/example/piata/pkg/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrSessionNotFound = errors.New("cart session not found")
	ErrVersionConflict = errors.New("cart session version conflict")
)

// SessionRepository is the Mongo-backed CartSession store. All writes are
// conditioned on the stored version, so a lost race surfaces as
// ErrVersionConflict instead of a silent last-write-wins.
type SessionRepository struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func ConnectMongo(ctx context.Context, cfg *config.MongoDBConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	return client, nil
}

func NewSessionRepository(client *mongo.Client, cfg *config.MongoDBConfig) *SessionRepository {
	return &SessionRepository{
		client:     client,
		collection: client.Database(cfg.Database).Collection("cart_sessions"),
	}
}

func (r *SessionRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *SessionRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (r *SessionRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_mutated_at", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, sessionID string) (*models.CartSession, error) {
	var sess models.CartSession

	err := r.collection.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

func (r *SessionRepository) Insert(ctx context.Context, sess *models.CartSession) error {
	_, err := r.collection.InsertOne(ctx, sess)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Replace persists sess if and only if the stored version still equals
// expectedVersion. On success the stored document carries
// expectedVersion+1; sess is updated in place to match.
func (r *SessionRepository) Replace(ctx context.Context, sess *models.CartSession, expectedVersion int64) error {
	sess.Version = expectedVersion + 1

	filter := bson.M{"_id": sess.ID, "version": expectedVersion}
	result, err := r.collection.ReplaceOne(ctx, filter, sess)
	if err != nil {
		sess.Version = expectedVersion
		return fmt.Errorf("failed to replace session: %w", err)
	}

	if result.MatchedCount == 0 {
		sess.Version = expectedVersion
		// Distinguish a missing document from a lost race.
		count, err := r.collection.CountDocuments(ctx, bson.M{"_id": sess.ID})
		if err != nil {
			return fmt.Errorf("failed to check session existence: %w", err)
		}
		if count == 0 {
			return ErrSessionNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// FindExpired returns OPEN/VERIFIED sessions whose TTL elapsed before now.
func (r *SessionRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]models.CartSession, error) {
	filter := bson.M{
		"status":     bson.M{"$in": []models.SessionStatus{models.SessionOpen, models.SessionVerified}},
		"expires_at": bson.M{"$lt": now},
	}
	return r.find(ctx, filter, limit)
}

// FindStuckCommitting returns sessions that entered COMMITTING before
// cutoff and never resolved.
func (r *SessionRepository) FindStuckCommitting(ctx context.Context, cutoff time.Time, limit int) ([]models.CartSession, error) {
	filter := bson.M{
		"status":          models.SessionCommitting,
		"last_mutated_at": bson.M{"$lt": cutoff},
	}
	return r.find(ctx, filter, limit)
}

func (r *SessionRepository) find(ctx context.Context, filter bson.M, limit int) ([]models.CartSession, error) {
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "last_mutated_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer cursor.Close(ctx)

	var sessions []models.CartSession
	if err = cursor.All(ctx, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}
