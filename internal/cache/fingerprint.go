package cache

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Type tags keep values of different kinds from colliding in the
// fingerprint (true vs "true", 1 vs 1.0 vs "1").
const (
	tagBool   = 'b'
	tagInt    = 'i'
	tagFloat  = 'f'
	tagString = 's'
	tagTime   = 't'
	tagStruct = 'o'
	tagNil    = 'n'
)

// Fingerprint hashes an evaluation context into 64 bits: the targeting key
// first, then every (name, value) field in sorted name order. Nested maps
// and slices are hashed via their canonical JSON form. Collisions only cost
// a false cache hit within the same flag key, which the TTL bounds.
func Fingerprint(evalCtx map[string]any) uint64 {
	digest := xxhash.New()

	if tk, ok := evalCtx["targetingKey"].(string); ok {
		_, _ = digest.WriteString(tk)
	}
	_, _ = digest.Write([]byte{0x1f})

	names := make([]string, 0, len(evalCtx))
	for name := range evalCtx {
		if name == "targetingKey" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		_, _ = digest.WriteString(name)
		_, _ = digest.Write([]byte{0x1e})
		writeValue(digest, evalCtx[name])
		_, _ = digest.Write([]byte{0x1f})
	}

	return digest.Sum64()
}

func writeValue(digest *xxhash.Digest, value any) {
	switch v := value.(type) {
	case nil:
		_, _ = digest.Write([]byte{tagNil})
	case bool:
		_, _ = digest.Write([]byte{tagBool})
		_, _ = digest.WriteString(strconv.FormatBool(v))
	case int:
		writeInt(digest, int64(v))
	case int64:
		writeInt(digest, v)
	case float64:
		_, _ = digest.Write([]byte{tagFloat})
		_, _ = digest.WriteString(strconv.FormatUint(math.Float64bits(v), 16))
	case json.Number:
		if i, err := v.Int64(); err == nil {
			writeInt(digest, i)
			return
		}
		f, _ := v.Float64()
		_, _ = digest.Write([]byte{tagFloat})
		_, _ = digest.WriteString(strconv.FormatUint(math.Float64bits(f), 16))
	case string:
		_, _ = digest.Write([]byte{tagString})
		_, _ = digest.WriteString(v)
	case time.Time:
		_, _ = digest.Write([]byte{tagTime})
		_, _ = digest.WriteString(v.UTC().Format(time.RFC3339Nano))
	default:
		_, _ = digest.Write([]byte{tagStruct})
		encoded, err := json.Marshal(v)
		if err != nil {
			_, _ = digest.WriteString("!unencodable")
			return
		}
		_, _ = digest.Write(encoded)
	}
}

func writeInt(digest *xxhash.Digest, v int64) {
	_, _ = digest.Write([]byte{tagInt})
	_, _ = digest.WriteString(strconv.FormatInt(v, 10))
}
