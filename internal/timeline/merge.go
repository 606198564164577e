package timeline

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	// maxOverlapWords caps how far back the boundary comparison looks. Two
	// seconds of speech rarely carries more than this.
	maxOverlapWords = 8

	// wordMatchThreshold is the per-word Jaro-Winkler similarity above which
	// two words count as the same utterance decoded twice.
	wordMatchThreshold = 0.88
)

// trimOverlap strips next's leading words that duplicate prev's trailing
// words. Consecutive chunks share overlapping audio, so the start of a new
// span often re-transcribes the end of the previous one with small decoding
// differences; words are therefore matched fuzzily, not byte-for-byte.
func trimOverlap(prev, next string) string {
	pw := strings.Fields(prev)
	nw := strings.Fields(next)
	if len(pw) == 0 || len(nw) == 0 {
		return next
	}

	limit := min(maxOverlapWords, min(len(pw), len(nw)))
	for n := limit; n > 0; n-- {
		if wordsMatch(pw[len(pw)-n:], nw[:n]) {
			return strings.Join(nw[n:], " ")
		}
	}
	return next
}

func wordsMatch(a, b []string) bool {
	for i := range a {
		if matchr.JaroWinkler(normalizeWord(a[i]), normalizeWord(b[i]), true) < wordMatchThreshold {
			return false
		}
	}
	return true
}

func normalizeWord(w string) string {
	return strings.ToLower(strings.Trim(w, ".,!?;:\"'"))
}
