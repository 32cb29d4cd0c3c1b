package shared

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	attestationCleanupInterval = 1 * time.Minute
	maxAttestationCacheSize    = 16
)

// AttestationCache wraps an Attester and reuses documents for up to ttl.
// A zero ttl disables caching entirely. Provider errors are always returned
// to the caller; an expired entry is never served in their place.
type AttestationCache struct {
	attester Attester
	ttl      time.Duration
	now      func() time.Time
	logger   *Logger

	mu        sync.Mutex
	entries   map[string]*attestationEntry
	metrics   AttestationCacheMetrics
	stopChan  chan struct{}
	isRunning bool
}

type attestationEntry struct {
	doc        *AttestationDocument
	expiresAt  time.Time
	lastUsedAt time.Time
}

// AttestationCacheMetrics tracks cache performance
type AttestationCacheMetrics struct {
	TotalRequests  int64   `json:"total_requests"`
	CacheHits      int64   `json:"cache_hits"`
	CacheMisses    int64   `json:"cache_misses"`
	CacheEvictions int64   `json:"cache_evictions"`
	Failures       int64   `json:"failures"`
	CacheSize      int     `json:"cache_size"`
	HitRatio       float64 `json:"hit_ratio"`
}

func NewAttestationCache(attester Attester, ttl time.Duration, logger *Logger) *AttestationCache {
	if logger == nil {
		logger = NopLogger()
	}
	return &AttestationCache{
		attester: attester,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger,
		entries:  make(map[string]*attestationEntry),
	}
}

func (ac *AttestationCache) Platform() Platform {
	return ac.attester.Platform()
}

// Attest returns a cached document for publicKey when one is fresh, and asks
// the wrapped attester otherwise.
func (ac *AttestationCache) Attest(ctx context.Context, publicKey []byte) (*AttestationDocument, error) {
	if ac.ttl <= 0 {
		return ac.fetch(ctx, publicKey)
	}

	key := hex.EncodeToString(publicKey)
	now := ac.now()

	ac.mu.Lock()
	ac.metrics.TotalRequests++
	if entry, ok := ac.entries[key]; ok && now.Before(entry.expiresAt) {
		entry.lastUsedAt = now
		ac.metrics.CacheHits++
		ac.mu.Unlock()
		return entry.doc, nil
	}
	ac.metrics.CacheMisses++
	ac.mu.Unlock()

	doc, err := ac.fetch(ctx, publicKey)
	if err != nil {
		ac.mu.Lock()
		ac.metrics.Failures++
		delete(ac.entries, key)
		ac.mu.Unlock()
		return nil, err
	}

	ac.mu.Lock()
	if len(ac.entries) >= maxAttestationCacheSize {
		ac.evictOldestLocked()
	}
	ac.entries[key] = &attestationEntry{doc: doc, expiresAt: now.Add(ac.ttl), lastUsedAt: now}
	ac.mu.Unlock()

	ac.logger.DebugIf("Cached new attestation document",
		zap.String("platform", string(doc.Type)),
		zap.Int("document_size", len(doc.Document)),
		zap.Duration("ttl", ac.ttl))
	return doc, nil
}

func (ac *AttestationCache) fetch(ctx context.Context, publicKey []byte) (*AttestationDocument, error) {
	doc, err := ac.attester.Attest(ctx, publicKey)
	if err != nil {
		ac.logger.Critical("Attestation request failed",
			zap.String("platform", string(ac.attester.Platform())),
			zap.Error(err))
		return nil, err
	}
	return doc, nil
}

// Start runs the expiry sweep until ctx is cancelled or Shutdown is called.
func (ac *AttestationCache) Start(ctx context.Context) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if ac.isRunning {
		return fmt.Errorf("attestation cache is already running")
	}
	if ac.ttl <= 0 {
		return nil
	}
	ac.isRunning = true
	ac.stopChan = make(chan struct{})
	go ac.cleanupRoutine(ctx, ac.stopChan)
	ac.logger.InfoIf("Attestation cache started", zap.Duration("ttl", ac.ttl))
	return nil
}

// Shutdown stops the sweep and drops every cached document.
func (ac *AttestationCache) Shutdown(context.Context) error {
	ac.mu.Lock()
	if ac.isRunning {
		close(ac.stopChan)
		ac.isRunning = false
	}
	ac.mu.Unlock()

	ac.InvalidateAll()
	return nil
}

// InvalidateAll clears the entire cache
func (ac *AttestationCache) InvalidateAll() {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.entries = make(map[string]*attestationEntry)
}

// GetMetrics returns cache performance metrics
func (ac *AttestationCache) GetMetrics() AttestationCacheMetrics {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	m := ac.metrics
	m.CacheSize = len(ac.entries)
	if m.TotalRequests > 0 {
		m.HitRatio = float64(m.CacheHits) / float64(m.TotalRequests) * 100
	}
	return m
}

func (ac *AttestationCache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range ac.entries {
		if oldestKey == "" || entry.lastUsedAt.Before(oldest) {
			oldestKey, oldest = key, entry.lastUsedAt
		}
	}
	if oldestKey != "" {
		delete(ac.entries, oldestKey)
		ac.metrics.CacheEvictions++
	}
}

func (ac *AttestationCache) cleanupRoutine(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(attestationCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ac.performCleanup()
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ac *AttestationCache) performCleanup() {
	now := ac.now()

	ac.mu.Lock()
	defer ac.mu.Unlock()
	for key, entry := range ac.entries {
		if !now.Before(entry.expiresAt) {
			delete(ac.entries, key)
		}
	}
}
