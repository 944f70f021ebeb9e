package redis

import (
	"time"

	"context"
)

// SignatureStore persists the two Claude thinking-signature cache kinds that
// must survive a container restart: per-tool-use signatures and each user's
// most recent thinking signature. The remaining signature-cache kinds
// (assistant-signature-by-content-hash, OpenAI-tool-thought-signature,
// Claude-tool-thinking) are in-memory only and never reach Redis.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore wraps client for signature persistence.
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// GetToolSignature retrieves the signature cached for a tool_use_id.
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	sig, err := s.client.GetString(ctx, PrefixSignatureTool+toolUseID)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetToolSignature caches signature for a tool_use_id with ttl.
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string, ttl time.Duration) error {
	return s.client.SetString(ctx, PrefixSignatureTool+toolUseID, signature, ttl)
}

// GetUserLastSignature retrieves the last thinking signature seen for userID.
func (s *SignatureStore) GetUserLastSignature(ctx context.Context, userID string) (string, error) {
	sig, err := s.client.GetString(ctx, PrefixSignatureUser+userID)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetUserLastSignature records the most recent thinking signature for userID.
func (s *SignatureStore) SetUserLastSignature(ctx context.Context, userID, signature string, ttl time.Duration) error {
	return s.client.SetString(ctx, PrefixSignatureUser+userID, signature, ttl)
}

// GetThinkingFamily retrieves the model family a thinking signature was
// minted under, used to detect a cross-model (Claude<->Gemini) thinking
// block that can't be replayed to the other family.
func (s *SignatureStore) GetThinkingFamily(ctx context.Context, signatureHash string) (string, error) {
	data, err := s.client.HGetAll(ctx, PrefixSignatureThinking+signatureHash)
	if err != nil {
		return "", err
	}
	return data["modelFamily"], nil
}

// SetThinkingFamily records which model family minted a thinking signature.
func (s *SignatureStore) SetThinkingFamily(ctx context.Context, signatureHash, modelFamily string, ttl time.Duration) error {
	key := PrefixSignatureThinking + signatureHash
	if err := s.client.HSet(ctx, key, map[string]interface{}{
		"modelFamily": modelFamily,
		"timestamp":   time.Now().Format(time.RFC3339),
	}); err != nil {
		return err
	}
	return s.client.Expire(ctx, key, ttl)
}

// ClearAll removes every cached signature, used by test teardown and the
// admin "flush caches" operation.
func (s *SignatureStore) ClearAll(ctx context.Context) error {
	for _, prefix := range []string{PrefixSignatureTool, PrefixSignatureUser, PrefixSignatureThinking} {
		keys, err := s.client.ScanAll(ctx, prefix+"*")
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Delete(ctx, keys...); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports how many keys are cached under each signature namespace.
func (s *SignatureStore) Stats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)
	for name, prefix := range map[string]string{
		"tool":     PrefixSignatureTool,
		"user":     PrefixSignatureUser,
		"thinking": PrefixSignatureThinking,
	} {
		keys, err := s.client.ScanAll(ctx, prefix+"*")
		if err != nil {
			return nil, err
		}
		stats[name] = int64(len(keys))
	}
	stats["total"] = stats["tool"] + stats["user"] + stats["thinking"]
	return stats, nil
}
