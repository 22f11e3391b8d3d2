// Grove filters keys against Redis style glob patterns while listing them; the following module implements glob
// matching. `*` matches any run of characters, `?` matches a single character and `\` escapes the next character.
// Matching is bounded by a complexity factor so that pathological patterns (e.g. `*a*a*a*a*b`) can't stall a listing.

package scan

import (
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/match"
)

// ErrMalformedPattern is returned by ParseGlob for patterns that can't be matched against.
var ErrMalformedPattern = errors.New("malformed glob pattern")

// Glob is a validated glob pattern.
type Glob struct {
	pattern       string
	literal       bool // The pattern has no wildcards; matching is plain equality on the unescaped text.
	unescaped     string
	maxComplexity int
}

// ParseGlob validates `pattern`. Empty patterns, patterns ending with an unpaired escape and patterns that are not
// valid UTF-8 are rejected. Non-positive `maxComplexity` values disable the complexity bound.
func ParseGlob(pattern string, maxComplexity int) (Glob, error) {
	if pattern == "" {
		return Glob{}, errors.Wrap(ErrMalformedPattern, "expected a non-empty pattern")
	}
	if !utf8.ValidString(pattern) {
		return Glob{}, errors.Wrapf(ErrMalformedPattern, "pattern %q is not valid utf-8", pattern)
	}

	var unescaped strings.Builder
	literal := true
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i == len(pattern)-1 {
				return Glob{}, errors.Wrapf(ErrMalformedPattern, "pattern %q ends with an unpaired escape", pattern)
			}
			i++
			unescaped.WriteByte(pattern[i])
		case '*', '?':
			literal = false
		default:
			unescaped.WriteByte(pattern[i])
		}
	}
	return Glob{pattern: pattern, literal: literal, unescaped: unescaped.String(), maxComplexity: maxComplexity}, nil
}

// Literal returns the only key the glob can match, if it has no wildcards.
func (g Glob) Literal() (string, bool) {
	return g.unescaped, g.literal
}

func (g Glob) String() string {
	return g.pattern
}

// Match reports whether `key` matches the glob. Matches that exceed the complexity bound count as misses.
func (g Glob) Match(key string) bool {
	if g.literal {
		return key == g.unescaped
	}
	if g.maxComplexity <= 0 {
		return match.Match(key, g.pattern)
	}
	matched, stopped := match.MatchLimit(key, g.pattern, g.maxComplexity)
	return matched && !stopped
}

// MatchGlob filters the `keys` stream with the given `glob` pattern.
func MatchGlob(glob Glob, keys iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for key := range keys {
			if glob.Match(key) {
				if !yield(key) {
					return
				}
			}
		}
	}
}
