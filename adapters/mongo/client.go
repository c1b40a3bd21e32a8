package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Connection defaults, used for every Config field left zero.
const (
	DefaultDatabase        = "voicebridge"
	DefaultMaxPoolSize     = 10
	DefaultMinPoolSize     = 1
	DefaultMaxConnIdleTime = 30 * time.Minute
	DefaultConnectTimeout  = 10 * time.Second

	serverSelectionTimeout = 5 * time.Second
)

// Config holds the order store connection settings
type Config struct {
	URI      string
	Database string

	MaxPoolSize     uint64
	MinPoolSize     uint64
	MaxConnIdleTime time.Duration
	// ConnectTimeout bounds dialing and the startup ping.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.MinPoolSize == 0 {
		c.MinPoolSize = DefaultMinPoolSize
	}
	if c.MinPoolSize > c.MaxPoolSize {
		c.MinPoolSize = c.MaxPoolSize
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

func (c Config) clientOptions() *options.ClientOptions {
	return options.Client().
		ApplyURI(c.URI).
		SetAppName("voicebridge").
		SetMaxPoolSize(c.MaxPoolSize).
		SetMinPoolSize(c.MinPoolSize).
		SetMaxConnIdleTime(c.MaxConnIdleTime).
		SetServerSelectionTimeout(serverSelectionTimeout).
		SetConnectTimeout(c.ConnectTimeout)
}

// Client is a connection to the database holding orders and shops
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects and pings the server so a bad URI fails at startup
// rather than on the first order.
func NewClient(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.URI == "" {
		return nil, errors.New("MongoDB URI is required")
	}
	config = config.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, config.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Info("Order store connected",
		zap.String("database", config.Database),
		zap.Uint64("maxPoolSize", config.MaxPoolSize),
		zap.Uint64("minPoolSize", config.MinPoolSize),
		zap.Duration("maxConnIdleTime", config.MaxConnIdleTime))

	return &Client{
		Client:   client,
		Database: client.Database(config.Database),
		logger:   logger,
	}, nil
}

// Close disconnects, waiting for in-flight order writes until ctx is done
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
	}
	c.logger.Info("Order store disconnected")
	return nil
}
