package format

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/config"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/internal/storage"
	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/redis"
)

// SignatureCache holds every thoughtSignature/thinking-signature kind this
// proxy needs to replay across turns:
//
//   - tool-use signature: tool_use_id -> signature. Persisted (Redis, mirrored
//     to durable storage) so a restart doesn't force a thinking downgrade.
//   - user last signature: user_id -> signature, used when a turn emits a
//     tool call without re-emitting a signature. Persisted the same way.
//   - assistant signature: (user_id, content-hash) -> signature, used when
//     the client stripped thinking blocks entirely. In-memory only.
//   - OpenAI tool-thought signature: tool_call_id -> signature, for Gemini
//     tool calls relayed through the OpenAI-compatible surface. In-memory only.
//   - Claude tool-thinking: tool_call_id -> {signature, thought text}, for
//     Claude tools relayed through the OpenAI-compatible surface. In-memory only.
//
// A sixth, supplementary cache (not one of the five above) tracks which
// model family minted a given thinking signature, so a signature produced by
// one family is never replayed to the other.
type SignatureCache struct {
	redisStore *redis.SignatureStore
	durable    storage.Store

	toolUse            *boundedCache
	userLast           *boundedCache
	assistantSignature *boundedCache
	openaiToolThought  *boundedCache
	claudeToolThinking *boundedCache
	family             *boundedCache
}

// ClaudeToolThought is the value cached under the Claude-tool-thinking kind.
type ClaudeToolThought struct {
	Signature   string
	ThoughtText string
}

// NewSignatureCache builds a cache backed by redisClient for the two
// persisted kinds (nil disables Redis and falls back to memory-only for
// them too) and durable for their restart-surviving mirror (nil disables
// the mirror).
func NewSignatureCache(redisClient *redis.Client, durable storage.Store) *SignatureCache {
	var store *redis.SignatureStore
	if redisClient != nil {
		store = redis.NewSignatureStore(redisClient)
	}

	persistedTTL := time.Duration(config.SignatureCachePersistedTTLMs) * time.Millisecond
	memoryTTL := time.Duration(config.SignatureCacheMemoryTTLMs) * time.Millisecond

	return &SignatureCache{
		redisStore:         store,
		durable:            durable,
		toolUse:            newBoundedCache(persistedTTL, config.SignatureCacheMemoryCap*4),
		userLast:           newBoundedCache(persistedTTL, config.SignatureCacheMemoryCap),
		assistantSignature: newBoundedCache(memoryTTL, config.SignatureCacheMemoryCap),
		openaiToolThought:  newBoundedCache(memoryTTL, config.SignatureCacheMemoryCap),
		claudeToolThinking: newBoundedCache(memoryTTL, config.SignatureCacheMemoryCap),
		family:             newBoundedCache(persistedTTL, config.SignatureCacheMemoryCap*4),
	}
}

// CacheSignature stores the signature for a tool_use_id (kind 1).
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}
	c.toolUse.set(toolUseID, signature)

	ctx := context.Background()
	ttl := time.Duration(config.SignatureCachePersistedTTLMs) * time.Millisecond
	if c.redisStore != nil {
		_ = c.redisStore.SetToolSignature(ctx, toolUseID, signature, ttl)
	}
	c.mirrorSignature(ctx, "tool_use:"+toolUseID, signature)
}

// GetCachedSignature retrieves the signature cached for a tool_use_id.
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	if v, ok := c.toolUse.get(toolUseID); ok {
		return v.(string)
	}
	if c.redisStore != nil {
		if sig, err := c.redisStore.GetToolSignature(context.Background(), toolUseID); err == nil && sig != "" {
			c.toolUse.set(toolUseID, sig)
			return sig
		}
	}
	if sig := c.loadMirrored("tool_use:" + toolUseID); sig != "" {
		c.toolUse.set(toolUseID, sig)
		return sig
	}
	return ""
}

// CacheUserSignature records the most recent thinking signature seen for
// userID (kind 2). An empty userID is treated as the anonymous default user.
func (c *SignatureCache) CacheUserSignature(userID, signature string) {
	if signature == "" {
		return
	}
	userID = normalizeUserID(userID)
	c.userLast.set(userID, signature)

	ctx := context.Background()
	ttl := time.Duration(config.SignatureCachePersistedTTLMs) * time.Millisecond
	if c.redisStore != nil {
		_ = c.redisStore.SetUserLastSignature(ctx, userID, signature, ttl)
	}
	c.mirrorSignature(ctx, "user_last:"+userID, signature)
}

// GetUserSignature retrieves the last thinking signature cached for userID.
func (c *SignatureCache) GetUserSignature(userID string) string {
	userID = normalizeUserID(userID)
	if v, ok := c.userLast.get(userID); ok {
		return v.(string)
	}
	if c.redisStore != nil {
		if sig, err := c.redisStore.GetUserLastSignature(context.Background(), userID); err == nil && sig != "" {
			c.userLast.set(userID, sig)
			return sig
		}
	}
	if sig := c.loadMirrored("user_last:" + userID); sig != "" {
		c.userLast.set(userID, sig)
		return sig
	}
	return ""
}

// CacheAssistantSignature stores the signature produced for a user's turn,
// keyed by a stable hash of that turn's content with thinking stripped
// (kind 3). Used to recover a signature when a client resends the same
// assistant content with its thinking blocks removed. In-memory only.
func (c *SignatureCache) CacheAssistantSignature(userID, contentHash, signature string) {
	if contentHash == "" || signature == "" {
		return
	}
	c.assistantSignature.set(assistantSignatureKey(userID, contentHash), signature)
}

// GetAssistantSignature looks up the kind-3 cache.
func (c *SignatureCache) GetAssistantSignature(userID, contentHash string) string {
	if v, ok := c.assistantSignature.get(assistantSignatureKey(userID, contentHash)); ok {
		return v.(string)
	}
	return ""
}

// HashContent derives the stable hash used as the kind-3 cache key from
// assistant content with thinking blocks excluded.
func HashContent(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheOpenAIToolSignature stores the Gemini thoughtSignature for a tool
// call relayed through the OpenAI-compatible surface (kind 4). In-memory only.
func (c *SignatureCache) CacheOpenAIToolSignature(toolCallID, signature string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.openaiToolThought.set(toolCallID, signature)
}

// GetOpenAIToolSignature retrieves the kind-4 cache.
func (c *SignatureCache) GetOpenAIToolSignature(toolCallID string) string {
	if v, ok := c.openaiToolThought.get(toolCallID); ok {
		return v.(string)
	}
	return ""
}

// CacheClaudeToolThinking stores the signature and thought text for a Claude
// tool call relayed through the OpenAI-compatible surface (kind 5). In-memory only.
func (c *SignatureCache) CacheClaudeToolThinking(toolCallID, signature, thoughtText string) {
	if toolCallID == "" || signature == "" {
		return
	}
	c.claudeToolThinking.set(toolCallID, ClaudeToolThought{Signature: signature, ThoughtText: thoughtText})
}

// GetClaudeToolThinking retrieves the kind-5 cache.
func (c *SignatureCache) GetClaudeToolThinking(toolCallID string) (ClaudeToolThought, bool) {
	if v, ok := c.claudeToolThinking.get(toolCallID); ok {
		return v.(ClaudeToolThought), true
	}
	return ClaudeToolThought{}, false
}

// CacheThinkingSignature records which model family minted a thinking
// signature, supplementary to the five kinds above.
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}
	hash := HashContent(signature)
	c.family.set(hash, modelFamily)

	if c.redisStore != nil {
		ttl := time.Duration(config.SignatureCachePersistedTTLMs) * time.Millisecond
		_ = c.redisStore.SetThinkingFamily(context.Background(), hash, modelFamily, ttl)
	}
}

// GetCachedSignatureFamily returns the model family a thinking signature was
// minted under, or "" if unknown.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	hash := HashContent(signature)
	if v, ok := c.family.get(hash); ok {
		return v.(string)
	}
	if c.redisStore != nil {
		if family, err := c.redisStore.GetThinkingFamily(context.Background(), hash); err == nil && family != "" {
			c.family.set(hash, family)
			return family
		}
	}
	return ""
}

// ClearThinkingSignatureCache drops every cached family entry. Redis/storage
// entries are left to expire via TTL.
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.family.clear()
}

func (c *SignatureCache) mirrorSignature(ctx context.Context, key, value string) {
	if c.durable == nil {
		return
	}
	_ = c.durable.SaveSignature(ctx, &storage.SignatureRow{
		Key:         key,
		Kind:        "thinking",
		Value:       value,
		UpdatedAtMs: time.Now().UnixMilli(),
	})
}

func (c *SignatureCache) loadMirrored(key string) string {
	if c.durable == nil {
		return ""
	}
	row, err := c.durable.GetSignature(context.Background(), key)
	if err != nil || row == nil {
		return ""
	}
	return row.Value
}

func normalizeUserID(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}

func assistantSignatureKey(userID, contentHash string) string {
	return normalizeUserID(userID) + ":" + contentHash
}

// boundedCache is an in-memory map with a TTL per entry and insertion-order
// eviction once it grows past cap.
type boundedCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	cap     int
	entries map[string]boundedEntry
	order   []string
}

type boundedEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newBoundedCache(ttl time.Duration, cap int) *boundedCache {
	return &boundedCache{
		ttl:     ttl,
		cap:     cap,
		entries: make(map[string]boundedEntry),
	}
}

func (b *boundedCache) set(key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.entries[key]; !exists {
		b.order = append(b.order, key)
	}
	b.entries[key] = boundedEntry{value: value, expiresAt: time.Now().Add(b.ttl)}

	for len(b.order) > b.cap {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
	}
}

func (b *boundedCache) get(key string) (interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(b.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (b *boundedCache) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]boundedEntry)
	b.order = nil
}

// Global instance, initialized once at startup and used by every format
// conversion path that doesn't carry its own cache reference.
var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache. Safe to
// call multiple times; only the first call takes effect.
func InitGlobalSignatureCache(redisClient *redis.Client, durable storage.Store) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient, durable)
	})
}

// GetGlobalSignatureCache returns the global signature cache, initializing
// a memory-only instance on first use if InitGlobalSignatureCache was never
// called (e.g. in tests).
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		InitGlobalSignatureCache(nil, nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking-family cache.
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
