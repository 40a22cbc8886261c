// Package sync implements the per-device reconciliation engine: an
// incremental desired-state hash chain compared against the hash each agent
// reports, plus the full-sync state machine that converges drifted devices.
package sync

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FoldHash advances the desired-state hash chain by one queued task:
// newHash = SHA1(prevHash || stableStringify(task)). The device computes the
// same chain over the jobs it applies, so equal heads mean equal
// configuration history.
func FoldHash(prevHash string, task interface{}) string {
	h := sha1.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(stableStringify(task)))
	return hex.EncodeToString(h.Sum(nil))
}

// stableStringify renders a value as JSON-like text with map keys sorted, so
// the hash never depends on map iteration order. Values round-trip through
// encoding/json before reaching here, limiting the input to JSON-shaped data.
func stableStringify(v interface{}) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case string:
		b.WriteString(strconv.Quote(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'g', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case []interface{}:
		b.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, e)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(k))
			b.WriteByte(':')
			writeStable(b, val[k])
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%v", val)
	}
}
