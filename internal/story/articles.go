package story

import "regexp"

// helpArticlePattern matches help center article URLs in transcripts.
// Intercom and Zendesk both use an /articles/<id> path segment.
var helpArticlePattern = regexp.MustCompile(`https?://[\w.-]+/[\w/-]*articles/(\d+)[\w-]*`)

// ArticleRef is one help article mentioned in a transcript.
type ArticleRef struct {
	ArticleID string
	URL       string
}

// ExtractHelpArticleRefs finds help article links in a transcript.
// Duplicate article IDs are collapsed to the first occurrence.
func ExtractHelpArticleRefs(transcript string) []ArticleRef {
	matches := helpArticlePattern.FindAllStringSubmatch(transcript, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(matches))
	refs := make([]ArticleRef, 0, len(matches))
	for _, m := range matches {
		id := m[1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, ArticleRef{ArticleID: id, URL: m[0]})
	}
	return refs
}
