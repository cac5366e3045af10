package synth

import (
	"fmt"
	"strings"

	"github.com/sahilm/fuzzy"
)

// ResolveSpeaker maps a user-typed name onto one of speakers. Exact matches
// win regardless of case; otherwise the best fuzzy match is used.
func ResolveSpeaker(name string, speakers []string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrSpeakerNotFound)
	}
	for _, s := range speakers {
		if strings.EqualFold(s, name) {
			return s, nil
		}
	}

	matches := fuzzy.Find(strings.ToLower(name), lower(speakers))
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: %q", ErrSpeakerNotFound, name)
	}
	return speakers[matches[0].Index], nil
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
