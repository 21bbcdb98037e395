package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DirectoryPrefix is the Redis key prefix for presence hashes.
	DirectoryPrefix = "presence:"

	// DirectoryTTL bounds how long a location survives without a refresh.
	DirectoryTTL = 1 * time.Hour
)

// removeIfOwnerLua deletes the presence hash only while it still names the
// given connection.
const removeIfOwnerLua = `
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// Location records which server instance hosts a user's live connection.
type Location struct {
	Server   string `redis:"server"`
	ConnID   string `redis:"conn_id"`
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// Directory publishes local presence entries to Redis.
type Directory struct {
	client       *redis.Client
	serverName   string
	removeScript *redis.Script
}

// NewDirectory creates a Directory for the server instance serverName.
func NewDirectory(client *redis.Client, serverName string) *Directory {
	return &Directory{
		client:       client,
		serverName:   serverName,
		removeScript: redis.NewScript(removeIfOwnerLua),
	}
}

// ServerName returns the instance name written into every location.
func (d *Directory) ServerName() string {
	return d.serverName
}

// Register records that userID is connected to this server on connID.
func (d *Directory) Register(ctx context.Context, userID, connID string, at time.Time) error {
	key := DirectoryPrefix + userID

	pipe := d.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"server":    d.serverName,
		"conn_id":   connID,
		"last_seen": at.Unix(),
	})
	pipe.Expire(ctx, key, DirectoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: register %s: %w", userID, err)
	}
	return nil
}

// Remove deletes the location of userID if it still belongs to connID.
func (d *Directory) Remove(ctx context.Context, userID, connID string) (bool, error) {
	n, err := d.removeScript.Run(ctx, d.client, []string{DirectoryPrefix + userID}, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return n > 0, nil
}

// Locate returns where userID is connected. Returns nil if not found.
func (d *Directory) Locate(ctx context.Context, userID string) (*Location, error) {
	var loc Location
	if err := d.client.HGetAll(ctx, DirectoryPrefix+userID).Scan(&loc); err != nil {
		return nil, fmt.Errorf("presence: locate %s: %w", userID, err)
	}
	if loc.ConnID == "" {
		return nil, nil
	}
	return &loc, nil
}

// Refresh extends the TTL of userID's location.
func (d *Directory) Refresh(ctx context.Context, userID string) error {
	return d.client.Expire(ctx, DirectoryPrefix+userID, DirectoryTTL).Err()
}
