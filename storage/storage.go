/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package storage provides the key-value stores board state is persisted
// in. A store is chosen by URL:
//
//	memory://                  process memory, lost on exit
//	file:///var/lib/quizboard  one JSON file per key
//	sqlite:///var/lib/qb.db    a single SQLite table
//	redis://localhost:6379/0   a Redis database
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

var ErrUnsupported = errors.New("unsupported store")

// Store is a small key-value store. Get reports a missing key with
// ok == false rather than an error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func parse(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return &url.URL{Scheme: "memory"}, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupported, err)
	}

	switch u.Scheme {
	case "memory", "redis", "rediss":
		return u, nil
	case "file", "sqlite":
		if localPath(u) == "" {
			return nil, fmt.Errorf("%w: %s url needs a path", ErrUnsupported, u.Scheme)
		}
		return u, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}
}

// Validate checks that rawURL names a store Open understands, without
// opening it.
func Validate(rawURL string) error {
	_, err := parse(rawURL)
	return err
}

// Open connects to the store named by rawURL. An empty URL opens an
// in-memory store.
func Open(ctx context.Context, rawURL string) (Store, error) {
	u, err := parse(rawURL)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "file":
		return NewFile(localPath(u))
	case "sqlite":
		return OpenSQLite(ctx, localPath(u))
	case "redis", "rediss":
		return OpenRedis(ctx, rawURL)
	default:
		return NewMemory(), nil
	}
}

// localPath accepts file:///abs/path, file://./rel/path and file:rel/path.
func localPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}
