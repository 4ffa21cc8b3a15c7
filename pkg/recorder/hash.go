package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the previous_hash of the first entry in a log.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// hashable is the creation-time content an entry hash covers. Terminal
// updates (verdict, reason, result, timing) are not covered.
type hashable struct {
	TraceID      string  `json:"trace_id"`
	Timestamp    string  `json:"timestamp"`
	AgentID      string  `json:"agent_id"`
	ToolName     string  `json:"tool_name"`
	ToolArgs     *string `json:"tool_args"`
	PreviousHash string  `json:"previous_hash"`
}

// computeEntryHash returns hex(sha256(JCS(content))).
func computeEntryHash(h hashable) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func hashableFromEntry(e *AuditEntry) hashable {
	h := hashable{
		TraceID:      e.TraceID,
		Timestamp:    formatTimestamp(e.Timestamp),
		AgentID:      e.AgentID,
		ToolName:     e.ToolName,
		PreviousHash: e.PreviousHash,
	}
	if len(e.ToolArgs) > 0 {
		s := string(e.ToolArgs)
		h.ToolArgs = &s
	}
	return h
}

// sha256Hex is used for bundle hashes.
func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
