package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "apps"

// Mongo is a Directory stored in a MongoDB collection.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// NewMongo wraps the apps collection of db.
func NewMongo(db *mongo.Database, timeout time.Duration) *Mongo {
	return &Mongo{coll: db.Collection(CollectionName), timeout: timeout}
}

// EnsureIndexes creates the unique package name index.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "packageName", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("apps_package_name_unique"),
	})
	if err != nil {
		return fmt.Errorf("create apps index: %w", err)
	}
	return nil
}

func (m *Mongo) GetApp(ctx context.Context, packageName string) (App, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var app App
	err := m.coll.FindOne(ctx, bson.D{{Key: "packageName", Value: packageName}}).Decode(&app)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return App{}, ErrAppNotFound
		}
		return App{}, fmt.Errorf("database operation failed: %w", err)
	}
	return app, nil
}

func (m *Mongo) AllApps(ctx context.Context) ([]App, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	cur, err := m.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "packageName", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	var apps []App
	if err := cur.All(ctx, &apps); err != nil {
		return nil, fmt.Errorf("decode apps: %w", err)
	}
	return apps, nil
}

// Upsert inserts or replaces an app by package name.
func (m *Mongo) Upsert(ctx context.Context, app App) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	filter := bson.D{{Key: "packageName", Value: app.PackageName}}
	_, err := m.coll.ReplaceOne(ctx, filter, app, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("unique key conflicts: %w", err)
		}
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}
