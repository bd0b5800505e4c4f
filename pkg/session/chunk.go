package session

import (
	"encoding/json"

	"github.com/evergreen-library-system/OpenSRF-sub003/pkg/message"
)

// estimateEscapedLen approximates the length a raw JSON string will inflate
// to once escaped on the wire. The heuristic named in spec.md §4.4 and §9
// only needs to keep chunks under the wire limit on average, not exactly: it
// counts the characters whose JSON escaping adds bytes — quotes and
// ampersands — and assumes each costs one extra byte.
func estimateEscapedLen(raw string) int {
	n := len(raw)
	for _, r := range raw {
		if r == '"' || r == '&' {
			n++
		}
	}
	return n
}

// chunkBudget returns the number of raw bytes that may safely be placed in
// one PARTIAL fragment so that, once escaped, it stays within maxChunkSize.
func chunkBudget(raw string, maxChunkSize int) int {
	escaped := estimateEscapedLen(raw)
	if escaped <= maxChunkSize || escaped == 0 {
		return maxChunkSize
	}
	scaled := int(float64(maxChunkSize) * float64(len(raw)) / float64(escaped))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}

// splitChunks breaks raw into a sequence of PARTIAL PDUs followed by a
// terminal PARTIAL_COMPLETE, per spec.md §4.4.
func splitChunks(threadTrace int, raw string, maxChunkSize int) []message.Message {
	budget := chunkBudget(raw, maxChunkSize)
	var out []message.Message
	runes := []rune(raw)
	for i := 0; i < len(runes); i += budget {
		end := i + budget
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, message.NewPartial(threadTrace, string(runes[i:end])))
	}
	out = append(out, message.NewPartialComplete(threadTrace))
	return out
}

// reassemble parses a buffer of concatenated PARTIAL fragments, produced in
// receipt order, as the single RESULT value they encode (spec.md §8
// property 5).
func reassemble(buf string) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(buf), &v); err != nil {
		return nil, err
	}
	return v, nil
}
