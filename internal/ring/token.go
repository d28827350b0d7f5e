package ring

import (
	"math"
	"strconv"
	"strings"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// Token is a position on the ring. The domain is the full signed 64-bit
// range used by the Murmur3 partitioner and is treated cyclically: the
// successor of MaxToken is MinToken.
type Token int64

const (
	MinToken Token = math.MinInt64
	MaxToken Token = math.MaxInt64
)

// ParseToken parses the decimal form printed by nodetool and returned by
// token() queries.
func ParseToken(s string) (Token, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, cluster.Errorf(cluster.ErrConfiguration, "invalid token %q: %v", s, err)
	}
	return Token(v), nil
}

func (t Token) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// Key is an application-level partition identifier: the ordered values of
// the partition key columns, e.g. {"bird_01", "2024-05-01"} for a
// (bird_id, date) composite key. The store maps it to a Token; ringprobe
// never re-derives that hash itself.
type Key []string

func (k Key) String() string {
	return strings.Join(k, ":")
}

// ParseKey splits "bird_01:2024-05-01" into its components.
func ParseKey(s string) Key {
	if s == "" {
		return nil
	}
	return Key(strings.Split(s, ":"))
}

// Args returns the components as query bind arguments.
func (k Key) Args() []any {
	out := make([]any, len(k))
	for i, v := range k {
		out[i] = v
	}
	return out
}
