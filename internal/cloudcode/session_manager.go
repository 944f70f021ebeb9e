// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/huanghongyu1130/Antigravity-Proxy-sub000/pkg/anthropic"
)

// DeriveSessionID returns the session id to embed in the vendor envelope: the
// caller's own id (Metadata.UserID) if supplied, otherwise a fresh random
// 63-bit negative integer string.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	if request.Metadata != nil && request.Metadata.UserID != "" {
		return request.Metadata.UserID
	}
	return generateSessionID()
}

// generateSessionID produces a random 63-bit negative integer, formatted as
// a decimal string, matching the id shape the vendor's own client emits.
func generateSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "-1"
	}
	magnitude := binary.BigEndian.Uint64(buf[:]) >> 2 // fits in 62 bits
	return strconv.FormatInt(-int64(magnitude), 10)
}
