package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// StaticDirectory is an in-memory UserDirectory
type StaticDirectory struct {
	mu     sync.RWMutex
	emails map[string]string
}

// NewStaticDirectory copies emails (user id -> address) into a directory
func NewStaticDirectory(emails map[string]string) *StaticDirectory {
	d := &StaticDirectory{emails: make(map[string]string, len(emails))}
	for id, addr := range emails {
		d.emails[id] = addr
	}
	return d
}

// Set adds or replaces one user's address
func (d *StaticDirectory) Set(userID, email string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emails[userID] = email
}

// FetchUserEmails implements UserDirectory
func (d *StaticDirectory) FetchUserEmails(_ context.Context, userIDs []string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if addr, ok := d.emails[id]; ok && addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}

// RedisDirectory reads addresses from a Redis hash of user id -> email
type RedisDirectory struct {
	client *redis.Client
	key    string
}

// NewRedisDirectory uses the hash "<prefix>:user_emails"
func NewRedisDirectory(client *redis.Client, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = "planner"
	}
	return &RedisDirectory{client: client, key: prefix + ":user_emails"}
}

// Key returns the hash key the directory reads
func (d *RedisDirectory) Key() string {
	return d.key
}

// Set stores one user's address
func (d *RedisDirectory) Set(ctx context.Context, userID, email string) error {
	if err := d.client.HSet(ctx, d.key, userID, email).Err(); err != nil {
		return fmt.Errorf("failed to store email for user %s: %w", userID, err)
	}
	return nil
}

// FetchUserEmails implements UserDirectory
func (d *RedisDirectory) FetchUserEmails(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return []string{}, nil
	}
	values, err := d.client.HMGet(ctx, d.key, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user emails: %w", err)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}
