// Package classify turns one comment's HTML body and declared attachment
// records into the list of migratable items. HTML scanning is deliberately a
// narrow regex utility: the inline references we care about are attribute
// values pointing at the source's attachment-hosting domain, nothing more.
package classify

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/attic-io/attic/internal/source"
)

// RedactedPlaceholder is the filename the source leaves behind after a
// redaction. Attachments carrying it are never migrated.
const RedactedPlaceholder = "redacted.txt"

// DefaultInlineName is used when no filename can be derived for an inline
// image reference.
const DefaultInlineName = "inline_image.png"

// Item is one migratable piece of content: either a declared attachment or a
// token-only inline image reference.
type Item struct {
	CommentID   int64
	Attachment  *source.Attachment // nil for token-only references
	URL         string             // where the bytes are fetched from
	FileName    string
	ContentType string
	Size        int64 // 0 when unknown (token-only)
}

// TokenOnly reports whether the item has no declared attachment record. Such
// items can be uploaded but not redacted at the source.
func (it Item) TokenOnly() bool { return it.Attachment == nil }

var (
	imgTagRe    = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']*attachments[^"']*)["'][^>]*>`)
	tokenRe     = regexp.MustCompile(`/attachments/token/([^/?]+)`)
	nameParamRe = regexp.MustCompile(`[?&]name=([^&"']+)`)
	imageExtRe  = regexp.MustCompile(`(?i)/([^/?]+\.(?:jpg|jpeg|png|gif|bmp|webp|svg))`)
	numericIDRe = regexp.MustCompile(`/attachments/(\d+)`)
)

var contentTypeByExt = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
}

// Items returns the comment's migratable items in document order: declared
// attachments first (excluding redaction placeholders), then inline image
// references that do not resolve to any declared attachment.
func Items(c source.Comment) []Item {
	var items []Item
	for i := range c.Attachments {
		att := &c.Attachments[i]
		if IsPlaceholder(att.FileName) {
			continue
		}
		items = append(items, Item{
			CommentID:   c.ID,
			Attachment:  att,
			URL:         att.ContentURL,
			FileName:    att.FileName,
			ContentType: orDefault(att.ContentType, "application/octet-stream"),
			Size:        att.Size,
		})
	}

	for _, m := range imgTagRe.FindAllStringSubmatch(c.HTMLBody, -1) {
		imgURL := m[1]
		if _, ok := Resolve(imgURL, c.Attachments); ok {
			// Already queued (or excluded) via its attachment record.
			continue
		}
		name := InlineFileName(imgURL)
		items = append(items, Item{
			CommentID:   c.ID,
			URL:         imgURL,
			FileName:    name,
			ContentType: InlineContentType(name),
		})
	}
	return items
}

// Resolve matches an inline image URL against the declared attachments.
// First match wins, in priority order: opaque token equality, URL
// substring/prefix, embedded numeric id, then filename.
func Resolve(imgURL string, atts []source.Attachment) (*source.Attachment, bool) {
	if len(atts) == 0 {
		return nil, false
	}

	// 1. Opaque token embedded in the URL.
	if tok := extractToken(imgURL); tok != "" {
		for i := range atts {
			if extractToken(atts[i].ContentURL) == tok {
				return &atts[i], true
			}
		}
	}

	// 2. Direct substring/prefix equality on the normalized URL.
	if norm := normalizeURL(imgURL); norm != "" {
		for i := range atts {
			cu := normalizeURL(atts[i].ContentURL)
			if cu == "" {
				continue
			}
			if strings.HasPrefix(cu, norm) || strings.Contains(norm, cu) {
				return &atts[i], true
			}
		}
	}

	// 3. Numeric attachment id embedded in the URL path.
	if m := numericIDRe.FindStringSubmatch(imgURL); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			for i := range atts {
				if atts[i].ID == id {
					return &atts[i], true
				}
			}
		}
	}

	// 4. Filename from the name= parameter or last path segment.
	if name := InlineFileName(imgURL); name != DefaultInlineName {
		for i := range atts {
			if strings.EqualFold(atts[i].FileName, name) {
				return &atts[i], true
			}
		}
	}

	return nil, false
}

// IsPlaceholder reports whether a filename marks an already-redacted
// attachment.
func IsPlaceholder(filename string) bool {
	return strings.HasSuffix(strings.ToLower(filename), RedactedPlaceholder)
}

// InlineFileName derives a best-effort filename for an inline image URL:
// the name= query parameter if present, else a recognized image filename in
// the path, else DefaultInlineName.
func InlineFileName(imgURL string) string {
	if m := nameParamRe.FindStringSubmatch(imgURL); m != nil {
		if unescaped, err := url.QueryUnescape(m[1]); err == nil && unescaped != "" {
			return unescaped
		}
		return m[1]
	}
	if m := imageExtRe.FindStringSubmatch(imgURL); m != nil {
		return m[1]
	}
	return DefaultInlineName
}

// InlineContentType guesses a content type from the filename extension,
// defaulting to image/png.
func InlineContentType(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 {
		if ct, ok := contentTypeByExt[strings.ToLower(filename[i+1:])]; ok {
			return ct
		}
	}
	return "image/png"
}

func extractToken(u string) string {
	if m := tokenRe.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// normalizeURL strips the scheme and query string so that absolute and
// protocol-relative forms of the same URL compare equal.
func normalizeURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "//")
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return u
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
