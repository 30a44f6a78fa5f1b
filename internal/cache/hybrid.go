package cache

import (
	"context"
	"log/slog"
	"time"
)

// HybridBackend fronts a long-TTL remote backend with a short-TTL file
// backend. Reads hit the file tier first; a miss falls through to the remote
// tier and refills the file tier. Writes go remote first, then local.
type HybridBackend struct {
	local    Backend
	remote   Backend
	localTTL time.Duration
	logger   *slog.Logger
}

// NewHybridBackend combines a local and a remote backend. localTTL caps the
// lifetime of refilled local copies; the remote entry keeps its own TTL.
func NewHybridBackend(local, remote Backend, localTTL time.Duration, logger *slog.Logger) *HybridBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if localTTL <= 0 {
		localTTL = 15 * time.Minute
	}
	return &HybridBackend{
		local:    local,
		remote:   remote,
		localTTL: localTTL,
		logger:   logger,
	}
}

func (h *HybridBackend) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := h.local.Get(ctx, key)
	if err == nil {
		return entry, nil
	}

	entry, err = h.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Refill the local tier, capped at localTTL so local copies cannot
	// outlive a remote invalidation by much.
	remaining := time.Until(entry.ExpiresAt)
	ttl := h.localTTL
	if remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		if perr := h.local.Put(ctx, key, entry.Payload, ttl); perr != nil {
			h.logger.Warn("hybrid cache local refill failed", "key", key, "error", perr)
		}
	}
	return entry, nil
}

func (h *HybridBackend) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	if err := h.remote.Put(ctx, key, payload, ttl); err != nil {
		return err
	}
	localTTL := ttl
	if localTTL > h.localTTL {
		localTTL = h.localTTL
	}
	if err := h.local.Put(ctx, key, payload, localTTL); err != nil {
		h.logger.Warn("hybrid cache local write failed", "key", key, "error", err)
	}
	return nil
}

func (h *HybridBackend) Invalidate(ctx context.Context, key string) error {
	lerr := h.local.Invalidate(ctx, key)
	rerr := h.remote.Invalidate(ctx, key)
	if rerr != nil {
		return rerr
	}
	return lerr
}

func (h *HybridBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	if _, err := h.local.InvalidatePrefix(ctx, prefix); err != nil {
		h.logger.Warn("hybrid cache local prefix invalidation failed", "prefix", prefix, "error", err)
	}
	// The remote tier is authoritative for the removal count.
	return h.remote.InvalidatePrefix(ctx, prefix)
}

func (h *HybridBackend) Keys(ctx context.Context) ([]string, error) {
	return h.remote.Keys(ctx)
}

func (h *HybridBackend) Stats(ctx context.Context) (Stats, error) {
	return h.remote.Stats(ctx)
}

func (h *HybridBackend) Close() error {
	lerr := h.local.Close()
	if rerr := h.remote.Close(); rerr != nil {
		return rerr
	}
	return lerr
}
