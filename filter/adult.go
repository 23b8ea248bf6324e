package filter

import (
	"regexp"
	"strings"

	"github.com/boypt/simple-spider/shared"
)

var wordSplit = regexp.MustCompile("[`~!@#$%^&*()\\[\\]{}.,+?/\\\\;:\\-_' \"|]+")

var adultWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"xxx", "porn", "porno", "sex", "hentai", "milf", "nsfw", "erotic",
		"erotica", "nude", "nudes", "naked", "fetish", "bdsm", "brazzers",
		"bangbros", "onlyfans", "camgirl", "blowjob", "anal", "hardcore",
		"pussy", "cumshot", "gangbang", "threesome", "playboy", "jav",
		"uncensored",
	} {
		adultWords[w] = struct{}{}
	}
}

func hasAdultWord(s string) bool {
	for _, w := range wordSplit.Split(strings.ToLower(s), -1) {
		if _, ok := adultWords[w]; ok {
			return true
		}
	}
	return false
}

// IsAdult reports whether the torrent name, or for visual content any file
// name, contains a word from the adult list.
func IsAdult(t *shared.Torrent) bool {
	if hasAdultWord(t.Name) {
		return true
	}
	switch t.Category {
	case shared.CategoryVideo, shared.CategoryImage, shared.CategoryArchive:
	default:
		return false
	}
	for _, f := range t.Files {
		base := f.Path
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		base = strings.TrimSuffix(base, "."+extOf(base))
		if hasAdultWord(base) {
			return true
		}
	}
	return false
}
