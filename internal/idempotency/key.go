package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

const keyLength = 32

// DeriveKey hashes the RFC 8785 canonical form of content and keeps the first
// 32 hex characters. Empty or unparseable content yields a random key, which
// deliberately disables deduplication for that call.
func DeriveKey(content []byte) string {
	if len(strings.TrimSpace(string(content))) == 0 {
		return randomKey()
	}
	canonical, err := jcs.Transform(content)
	if err != nil {
		return randomKey()
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:keyLength]
}

// KeyForIdentifier derives the key for an analyze request that carried none.
func KeyForIdentifier(identifier string) string {
	id := strings.ToUpper(strings.TrimSpace(identifier))
	if id == "" {
		return randomKey()
	}
	body, err := json.Marshal(map[string]string{"identifier": id})
	if err != nil {
		return randomKey()
	}
	return DeriveKey(body)
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
