// Package users persists which apps each user has running.
package users

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CollectionName = "users"

// Store records the apps a user wants running across sessions.
type Store interface {
	RunningApps(ctx context.Context, userID string) ([]string, error)
	AddRunningApp(ctx context.Context, userID, packageName string) error
	RemoveRunningApp(ctx context.Context, userID, packageName string) error
}

// Memory is an in-process Store.
type Memory struct {
	mu   sync.Mutex
	apps map[string][]string
}

func NewMemory() *Memory {
	return &Memory{apps: make(map[string][]string)}
}

func (m *Memory) RunningApps(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.apps[userID]), nil
}

func (m *Memory) AddRunningApp(_ context.Context, userID, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.apps[userID], packageName) {
		m.apps[userID] = append(m.apps[userID], packageName)
	}
	return nil
}

func (m *Memory) RemoveRunningApp(_ context.Context, userID, packageName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	apps := m.apps[userID]
	if i := slices.Index(apps, packageName); i >= 0 {
		m.apps[userID] = slices.Delete(apps, i, i+1)
	}
	return nil
}

type userDocument struct {
	Email       string    `bson:"email"`
	RunningApps []string  `bson:"runningApps"`
	UpdatedAt   time.Time `bson:"updatedAt"`
}

// Mongo is a Store backed by the users collection.
type Mongo struct {
	coll    *mongo.Collection
	timeout time.Duration
}

func NewMongo(db *mongo.Database, timeout time.Duration) *Mongo {
	return &Mongo{coll: db.Collection(CollectionName), timeout: timeout}
}

func (m *Mongo) RunningApps(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var doc userDocument
	err := m.coll.FindOne(ctx, bson.D{{Key: "email", Value: userID}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("database operation failed: %w", err)
	}
	return doc.RunningApps, nil
}

func (m *Mongo) AddRunningApp(ctx context.Context, userID, packageName string) error {
	return m.update(ctx, userID, bson.D{
		{Key: "$addToSet", Value: bson.D{{Key: "runningApps", Value: packageName}}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
	})
}

func (m *Mongo) RemoveRunningApp(ctx context.Context, userID, packageName string) error {
	return m.update(ctx, userID, bson.D{
		{Key: "$pull", Value: bson.D{{Key: "runningApps", Value: packageName}}},
		{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
	})
}

func (m *Mongo) update(ctx context.Context, userID string, update bson.D) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	filter := bson.D{{Key: "email", Value: userID}}
	_, err := m.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("database operation failed: %w", err)
	}
	return nil
}
