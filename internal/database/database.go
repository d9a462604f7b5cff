// Package database opens the MongoDB connection shared by the stores.
package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Config holds connection settings.
type Config struct {
	URI              string
	Database         string
	AppName          string
	MinPoolSize      uint64
	MaxPoolSize      uint64
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

// Client is a connected database handle.
type Client struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
	logger  *zap.Logger
}

// Connect dials MongoDB and pings it.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetAppName(cfg.AppName)
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.Debug("database connection created", zap.String("address", evt.Address))
			case event.ConnectionClosed:
				logger.Debug("database connection closed", zap.String("address", evt.Address), zap.String("reason", evt.Reason))
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("database connected", zap.String("database", cfg.Database))
	return &Client{
		client:  client,
		db:      client.Database(cfg.Database),
		timeout: cfg.OperationTimeout,
		logger:  logger,
	}, nil
}

// Database returns the configured database.
func (c *Client) Database() *mongo.Database {
	return c.db
}

// OperationTimeout bounds each store call.
func (c *Client) OperationTimeout() time.Duration {
	return c.timeout
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Info("closing database connection")
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}
