package batch

import (
	"regexp"
	"sort"
	"strings"

	"go.crybb.tech/internal/xapi"
)

// ExtractTarget picks the reply target from a mention's entity list.
// Preference order: the entity immediately after the bot's own handle,
// then the leftmost entity that is neither the bot nor the author,
// then the author themselves.
func ExtractTarget(botHandle, authorHandle string, entities []xapi.MentionEntity) string {
	bot := strings.ToLower(strings.TrimPrefix(botHandle, "@"))
	author := strings.ToLower(strings.TrimPrefix(authorHandle, "@"))

	ordered := make([]xapi.MentionEntity, len(entities))
	copy(ordered, entities)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Start < ordered[j].Start
	})

	botIdx := -1
	for i, e := range ordered {
		if strings.ToLower(e.Username) == bot {
			botIdx = i
			break
		}
	}

	if botIdx >= 0 && botIdx+1 < len(ordered) {
		next := ordered[botIdx+1]
		if strings.ToLower(next.Username) != bot {
			return next.Username
		}
	}

	for _, e := range ordered {
		name := strings.ToLower(e.Username)
		if name != bot && name != author {
			return e.Username
		}
	}

	return authorHandle
}

var pfpSizeToken = regexp.MustCompile(`_(normal|bigger|mini|400x400)(\.[A-Za-z0-9]+)$`)

// NormalizePFPURL upgrades a profile-image URL to the 400x400 variant.
// URLs without a recognized size token pass through unchanged.
func NormalizePFPURL(url string) string {
	return pfpSizeToken.ReplaceAllString(url, "_400x400$2")
}
