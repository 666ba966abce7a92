package middleware

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ipSet matches addresses against exact IPs and CIDR ranges.
type ipSet struct {
	ips  map[string]struct{}
	nets []*net.IPNet
}

func parseIPSet(entries []string, logger zerolog.Logger) *ipSet {
	set := &ipSet{ips: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		if !strings.Contains(entry, "/") {
			set.ips[entry] = struct{}{}
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
			continue
		}
		set.nets = append(set.nets, ipNet)
	}
	return set
}

func (s *ipSet) contains(addr string) bool {
	if _, ok := s.ips[addr]; ok {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IPBlocker keeps temporary address blocks in Redis.
type IPBlocker struct {
	client *redis.Client
}

// NewIPBlocker creates a new IP blocker.
func NewIPBlocker(client *redis.Client) *IPBlocker {
	return &IPBlocker{client: client}
}

func blockKey(ip string) string {
	return "ratelimit:blocked:" + ip
}

// IsBlocked reports whether ip is blocked. Redis errors count as not blocked.
func (b *IPBlocker) IsBlocked(ctx context.Context, ip string) bool {
	n, err := b.client.Exists(ctx, blockKey(ip)).Result()
	return err == nil && n > 0
}

// Block blocks ip for duration, recording why.
func (b *IPBlocker) Block(ctx context.Context, ip string, duration time.Duration, reason string) {
	b.client.Set(ctx, blockKey(ip), reason, duration)
}
