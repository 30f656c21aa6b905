// Package xapi wraps the microblog (X API v2) endpoints the responder
// consumes, with per-endpoint rate-limit accounting and typed errors.
package xapi

import (
	"strings"
	"time"
)

// Logical endpoint names used as rate-limit registry keys
const (
	EndpointMe           = "users/me"
	EndpointUserByHandle = "users/by/username"
	EndpointMentions     = "users/mentions"
	EndpointTimeline     = "users/tweets"
	EndpointMediaUpload  = "media/upload"
	EndpointTweets       = "tweets"
	EndpointRetweet      = "statuses/retweet"
)

// User is a microblog account. Username comparisons are
// case-insensitive; the original casing is preserved.
type User struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// MentionEntity is one @-reference inside a post's text, in textual order
type MentionEntity struct {
	Username string `json:"username"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// Mention is one incoming post that references the bot
type Mention struct {
	ID        string
	AuthorID  string
	Text      string
	CreatedAt time.Time
	Entities  []MentionEntity
}

// MentionsBatch is the result of one mentions-endpoint call: the
// mentions in id-ascending order plus the expansion users keyed by
// lowercased username.
type MentionsBatch struct {
	Mentions []Mention
	Users    map[string]User
}

// Post is an entry from the bot's own timeline
type Post struct {
	ID        string
	Text      string
	LikeCount int
}

// CompareIDs orders two post ids numerically. Ids are decimal strings
// too large for int64, so compare by length first, then lexically.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
