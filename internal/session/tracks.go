package session

import (
	"golang.org/x/text/language"

	"github.com/reelay/reelay/internal/server"
)

// preferredAudioStream picks the initial audio stream index: the best match
// against the configured language preferences, falling back to the stream the
// file marks as default, then to the first stream.
func preferredAudioStream(streams []server.MediaStream, preferred []string) int {
	if len(streams) == 0 {
		return 0
	}

	fallback := streams[0].Index
	for _, s := range streams {
		if s.Default {
			fallback = s.Index
			break
		}
	}
	if len(preferred) == 0 {
		return fallback
	}

	var tags []language.Tag
	for _, p := range preferred {
		if tag, err := language.Parse(p); err == nil {
			tags = append(tags, tag)
		}
	}
	if len(tags) == 0 {
		return fallback
	}

	matcher := language.NewMatcher(tags)
	best := fallback
	bestConf := language.No
	for _, s := range streams {
		if s.Language == "" {
			continue
		}
		tag, err := language.Parse(s.Language)
		if err != nil {
			continue
		}
		if _, _, conf := matcher.Match(tag); conf > bestConf {
			best = s.Index
			bestConf = conf
		}
	}
	return best
}
