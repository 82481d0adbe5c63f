// Package kv connects the cache and the keyword index to the Redis
// keyspace they share. Processes that point at the same server see the
// same cache; with no address an in-process server is started, which
// only suits a single process.
package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

const DefaultMaxRetries = 64

var (
	// ErrContention means WatchRetry gave up after its attempt ceiling.
	ErrContention = errors.New("kv: too much contention")
	// ErrUnavailable means the keyspace could not be reached.
	ErrUnavailable = errors.New("kv: keyspace unavailable")
)

// Options selects the keyspace.
type Options struct {
	// Addr is host:port of a Redis server. Empty starts an embedded one.
	Addr     string
	Password string
	DB       int
	Logger   *slog.Logger
}

// Store is a connection to the keyspace.
type Store struct {
	client   *redis.Client
	embedded *miniredis.Miniredis
	logger   *slog.Logger
}

// Open connects to the keyspace and checks that it answers.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}

	addr := opts.Addr
	if addr == "" {
		s.embedded = miniredis.NewMiniRedis()
		if err := s.embedded.Start(); err != nil {
			return nil, fmt.Errorf("starting embedded keyspace: %w", err)
		}
		addr = s.embedded.Addr()
		logger.Debug("started embedded keyspace", "addr", addr)
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("connecting to keyspace at %s: %w: %w", addr, ErrUnavailable, err)
	}
	return s, nil
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client { return s.client }

// Shared reports whether other processes can reach this keyspace.
func (s *Store) Shared() bool { return s.embedded == nil }

// Close drops the connection and stops the embedded server, if any.
func (s *Store) Close() error {
	err := s.client.Close()
	if s.embedded != nil {
		s.embedded.Close()
	}
	return err
}

// WatchRetry runs fn inside a WATCH on keys until its transaction
// commits, at most attempts times. fn must queue its writes with
// tx.TxPipelined so a change to a watched key aborts them.
func (s *Store) WatchRetry(ctx context.Context, attempts int, fn func(tx *redis.Tx) error, keys ...string) error {
	if attempts <= 0 {
		attempts = DefaultMaxRetries
	}
	for i := 0; i < attempts; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return Wrap(err)
		}
		s.logger.Debug("kv: watched key changed, retrying", "keys", keys, "attempt", i+1)
	}
	return fmt.Errorf("%w: %d attempts on %v", ErrContention, attempts, keys)
}

// Wrap marks connection level failures with ErrUnavailable and returns
// every other error unchanged.
func Wrap(err error) error {
	if err == nil || !unreachable(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func unreachable(err error) bool {
	var netErr net.Error
	return errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.As(err, &netErr)
}
