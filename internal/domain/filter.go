package domain

import "strings"

// Filter returns the posts whose title contains query, ignoring case. The
// query is used as typed: surrounding whitespace is significant. An empty
// query returns posts itself, order intact. Posts without a string title
// never match a non-empty query.
func Filter(posts []FeedPost, query string) []FeedPost {
	if query == "" {
		return posts
	}

	needle := strings.ToLower(query)
	matched := make([]FeedPost, 0, len(posts))
	for _, p := range posts {
		if !p.Searchable {
			continue
		}
		if strings.Contains(strings.ToLower(p.Title), needle) {
			matched = append(matched, p)
		}
	}
	return matched
}
