package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sidethreads/internal/logger"
	"github.com/sidethreads/internal/thread"
)

// MemberCache кеширует список участников сервера для раскрытия @everyone.
// Ошибки Redis не мешают запросу: идём напрямую в источник.
type MemberCache struct {
	c     *Client
	inner thread.MemberLister
	ttl   time.Duration
}

func NewMemberCache(c *Client, inner thread.MemberLister, ttl time.Duration) *MemberCache {
	return &MemberCache{c: c, inner: inner, ttl: ttl}
}

func (m *MemberCache) ServerMemberIDs(ctx context.Context, serverID string) ([]string, error) {
	if m.ttl <= 0 {
		return m.inner.ServerMemberIDs(ctx, serverID)
	}
	key := membersPrefix + serverID
	raw, err := m.c.cli.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ids []string
		if jerr := json.Unmarshal(raw, &ids); jerr == nil {
			return ids, nil
		}
		logger.Warnf("redis: corrupt member cache for server %s, reloading", serverID)
	case !errors.Is(err, redis.Nil):
		logger.Warnf("redis: member cache get %s: %v", serverID, err)
	}

	ids, err := m.inner.ServerMemberIDs(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if data, jerr := json.Marshal(ids); jerr == nil {
		if serr := m.c.cli.Set(ctx, key, data, m.ttl).Err(); serr != nil {
			logger.Warnf("redis: member cache set %s: %v", serverID, serr)
		}
	}
	return ids, nil
}

