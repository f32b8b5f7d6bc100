package rcache

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
	"strconv"
	"strings"

	"github.com/diy-mod/core/internal/modules/moderation"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/html"
)

// Fingerprint identifies a fragment's content under a given filter set.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Derive returns a key for a value computed from the same inputs plus the
// given parts, such as the rewrite of one exact fragment text.
func (f Fingerprint) Derive(parts ...string) Fingerprint {
	h := newHash()
	h.Write(f[:])
	for _, p := range parts {
		writeField(h, p)
	}
	return sum(h)
}

// Compute fingerprints content of kind against filters and mode. Filter order
// does not matter; any change of a filter's version, intensity or intervention
// does.
func Compute(kind moderation.FragmentKind, content string, filters []moderation.Filter, mode string) Fingerprint {
	h := newHash()
	writeField(h, string(kind))
	if kind == moderation.KindImage {
		writeField(h, strings.TrimSpace(content))
	} else {
		writeField(h, NormalizeContent(content))
	}

	tuples := make([]string, 0, len(filters))
	maxIntensity := 0
	for _, f := range filters {
		tuples = append(tuples, strings.Join([]string{
			f.ID,
			strconv.Itoa(f.Version),
			strconv.Itoa(f.Intensity),
			string(f.Intervention),
		}, "\x1f"))
		if f.Intensity > maxIntensity {
			maxIntensity = f.Intensity
		}
	}
	sort.Strings(tuples)
	writeField(h, strconv.Itoa(len(tuples)))
	for _, t := range tuples {
		writeField(h, t)
	}
	writeField(h, intensityBucket(maxIntensity))
	writeField(h, mode)
	return sum(h)
}

func intensityBucket(i int) string {
	switch {
	case i == 0:
		return "none"
	case i < 3:
		return "low"
	case i == 3:
		return "mid"
	default:
		return "high"
	}
}

// NormalizeContent strips HTML tags, collapses whitespace and case-folds.
func NormalizeContent(s string) string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(z.Text())
			b.WriteByte(' ')
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(b.String()), " "))
}

func newHash() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

func sum(h hash.Hash) Fingerprint {
	var f Fingerprint
	copy(f[:], h.Sum(nil))
	return f
}
