package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sampleSuffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// GenerateSampleID returns "<unix-ms>-<6 random chars>". Ids sort roughly by
// capture time.
func GenerateSampleID(at time.Time) string {
	b := make([]byte, 6)
	rand.Read(b)
	for i := range b {
		b[i] = sampleSuffixAlphabet[int(b[i])%len(sampleSuffixAlphabet)]
	}
	return fmt.Sprintf("%d-%s", at.UnixMilli(), b)
}

// GenerateRelayID generates a unique page relay ID
func GenerateRelayID() string {
	return "relay_" + uuid.NewString()
}

// GenerateInstanceID identifies one monitor process
func GenerateInstanceID() string {
	return uuid.NewString()
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}

// GenerateTraceID generates a unique trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
