// Package chain assigns sequence numbers and hashes to events and checks
// that a stored log still forms an unbroken hash chain.
package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gowebpki/jcs"

	"event-store/domain"
)

// Genesis is the previous hash of the first event.
var Genesis = strings.Repeat("0", sha256.Size*2)

type canonicalEvent struct {
	Action         string `json:"action"`
	Actor          string `json:"actor"`
	Category       string `json:"category"`
	Error          string `json:"error"`
	MetadataSHA256 string `json:"metadata_sha256"`
	PreviousHash   string `json:"previous_hash"`
	Resource       string `json:"resource"`
	Result         string `json:"result"`
	Sequence       uint64 `json:"sequence"`
	Timestamp      string `json:"timestamp"`
}

// Hash computes the chain hash of ev from every field except Hash and ID.
// Metadata enters as the digest of its stored bytes so it is never parsed.
func Hash(ev *domain.Event) (string, error) {
	input, err := canonicalInput(ev)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalInput(ev *domain.Event) ([]byte, error) {
	meta := sha256.Sum256(ev.Metadata)
	raw, err := sonic.Marshal(canonicalEvent{
		Action:         ev.Action,
		Actor:          ev.Actor,
		Category:       ev.Category,
		Error:          ev.Error,
		MetadataSHA256: hex.EncodeToString(meta[:]),
		PreviousHash:   ev.PreviousHash,
		Resource:       ev.Resource,
		Result:         ev.Result,
		Sequence:       ev.Sequence,
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode hash input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize hash input: %w", err)
	}
	return canonical, nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
