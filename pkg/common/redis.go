package common

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"

	"github.com/beam-cloud/airsync/pkg/types"
	"github.com/redis/go-redis/v9"
)

// RedisClient wraps a universal client so the same code runs against a
// single node or a cluster.
type RedisClient struct {
	redis.UniversalClient
}

type RedisClientOption func(*redis.UniversalOptions)

func WithClientName(name string) RedisClientOption {
	return func(uo *redis.UniversalOptions) {
		uo.ClientName = name
	}
}

func NewRedisClient(config types.RedisConfig, options ...RedisClientOption) (*RedisClient, error) {
	opts := &redis.UniversalOptions{
		Addrs:           config.Addrs,
		Username:        config.Username,
		Password:        config.Password,
		ClientName:      config.ClientName,
		PoolSize:        config.PoolSize,
		MinIdleConns:    config.MinIdleConns,
		MaxIdleConns:    config.MaxIdleConns,
		ConnMaxIdleTime: config.ConnMaxIdleTime,
		ConnMaxLifetime: config.ConnMaxLifetime,
		DialTimeout:     config.DialTimeout,
		ReadTimeout:     config.ReadTimeout,
		WriteTimeout:    config.WriteTimeout,
		MaxRedirects:    config.MaxRedirects,
		MaxRetries:      config.MaxRetries,
		RouteByLatency:  config.RouteByLatency,
	}
	for _, opt := range options {
		opt(opts)
	}

	if config.EnableTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: config.InsecureSkipVerify,
		}
	}

	var client redis.UniversalClient
	if config.Mode == types.RedisModeCluster {
		client = redis.NewClusterClient(opts.Cluster())
	} else {
		client = redis.NewUniversalClient(opts)
	}

	if err := client.Ping(context.TODO()).Err(); err != nil {
		return nil, err
	}

	return &RedisClient{UniversalClient: client}, nil
}

// Subscribe returns a message channel and an error channel that receives at
// most one error before both are abandoned.
func (r *RedisClient) Subscribe(ctx context.Context, channels ...string) (<-chan *redis.Message, <-chan error) {
	outCh := make(chan *redis.Message)
	errCh := make(chan error, 1)

	pubsub := r.UniversalClient.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		errCh <- err
		return outCh, errCh
	}

	go func() {
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					errCh <- errors.New("redis subscription closed")
					return
				}
				select {
				case outCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, errCh
}

// IsNil reports whether err is a missing-key reply
func IsNil(err error) bool {
	return errors.Is(err, redis.Nil)
}

// IsConnClosed reports whether err came from a closed client
func IsConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "client is closed")
}
