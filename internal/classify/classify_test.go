package classify

import (
	"testing"

	"github.com/attic-io/attic/internal/source"
)

func TestItemsDeclaredAttachments(t *testing.T) {
	c := source.Comment{
		ID: 100,
		Attachments: []source.Attachment{
			{ID: 1, FileName: "report.pdf", ContentType: "application/pdf", Size: 2048, ContentURL: "https://example.zendesk.com/attachments/token/aaa/?name=report.pdf"},
			{ID: 2, FileName: "redacted.txt", Size: 9, ContentURL: "https://example.zendesk.com/attachments/token/bbb/?name=redacted.txt"},
		},
	}
	items := Items(c)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (placeholder excluded)", len(items))
	}
	it := items[0]
	if it.TokenOnly() {
		t.Error("declared attachment classified as token-only")
	}
	if it.FileName != "report.pdf" || it.Size != 2048 || it.CommentID != 100 {
		t.Errorf("item = %+v", it)
	}
}

func TestItemsResolvedInlineNotDuplicated(t *testing.T) {
	// Ticket 501 scenario: the img token matches declared attachment 9, so
	// the classifier yields exactly one item, resolved to the attachment.
	c := source.Comment{
		ID:       501,
		HTMLBody: `<p>see <img src="https://example.zendesk.com/attachments/token/tok9/?name=shot.png"> above</p>`,
		Attachments: []source.Attachment{
			{ID: 9, FileName: "shot.png", ContentType: "image/png", Size: 512, ContentURL: "https://example.zendesk.com/attachments/token/tok9/?name=shot.png"},
		},
	}
	items := Items(c)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	if items[0].TokenOnly() {
		t.Error("resolved inline produced a token-only duplicate")
	}
	if items[0].Attachment.ID != 9 {
		t.Errorf("resolved to attachment %d, want 9", items[0].Attachment.ID)
	}
}

func TestItemsTokenOnlyInline(t *testing.T) {
	c := source.Comment{
		ID:       7,
		HTMLBody: `<img src="/attachments/token/zzz/?name=pic%20one.jpeg">`,
	}
	items := Items(c)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	it := items[0]
	if !it.TokenOnly() {
		t.Fatal("expected token-only item")
	}
	if it.FileName != "pic one.jpeg" {
		t.Errorf("filename = %q", it.FileName)
	}
	if it.ContentType != "image/jpeg" {
		t.Errorf("content type = %q", it.ContentType)
	}
}

func TestResolvePriorityOrder(t *testing.T) {
	atts := []source.Attachment{
		{ID: 11, FileName: "first.png", ContentURL: "https://x.zendesk.com/attachments/token/match-tok/?name=first.png"},
		{ID: 22, FileName: "second.png", ContentURL: "https://x.zendesk.com/attachments/token/other/?name=second.png"},
	}

	tests := []struct {
		name   string
		imgURL string
		wantID int64
		wantOK bool
	}{
		{"token match", "https://x.zendesk.com/attachments/token/match-tok/?name=whatever.png", 11, true},
		{"url prefix match", "//x.zendesk.com/attachments/token/other/", 22, true},
		{"numeric id match", "https://x.zendesk.com/attachments/22", 22, true},
		{"filename match", "https://x.zendesk.com/hc/article_attachments/thing?name=SECOND.png", 22, true},
		{"no match", "https://x.zendesk.com/attachments/token/unrelated/?name=nothing.gif", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, ok := Resolve(tt.imgURL, atts)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && att.ID != tt.wantID {
				t.Errorf("resolved id = %d, want %d", att.ID, tt.wantID)
			}
		})
	}
}

func TestResolveTokenWinsOverFilename(t *testing.T) {
	atts := []source.Attachment{
		{ID: 1, FileName: "a.png", ContentURL: "https://x.zendesk.com/attachments/token/tok-a/?name=a.png"},
		{ID: 2, FileName: "b.png", ContentURL: "https://x.zendesk.com/attachments/token/tok-b/?name=b.png"},
	}
	// URL carries attachment 2's token but attachment 1's filename; the
	// token rule has priority.
	att, ok := Resolve("https://x.zendesk.com/attachments/token/tok-b/?name=a.png", atts)
	if !ok || att.ID != 2 {
		t.Fatalf("resolved %v, want attachment 2", att)
	}
}

func TestInlineFileName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://x/attachments/token/a/?name=diagram.png", "diagram.png"},
		{"https://x/attachments/shot.JPG", "shot.JPG"},
		{"https://x/attachments/token/opaque/", DefaultInlineName},
	}
	for _, tt := range tests {
		if got := InlineFileName(tt.url); got != tt.want {
			t.Errorf("InlineFileName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestInlineContentType(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"a.jpg", "image/jpeg"},
		{"b.svg", "image/svg+xml"},
		{"weird.bin", "image/png"},
		{"noext", "image/png"},
	}
	for _, tt := range tests {
		if got := InlineContentType(tt.name); got != tt.want {
			t.Errorf("InlineContentType(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestIsPlaceholder(t *testing.T) {
	if !IsPlaceholder("redacted.txt") || !IsPlaceholder("REDACTED.TXT") {
		t.Error("placeholder not detected")
	}
	if IsPlaceholder("report.pdf") {
		t.Error("regular file flagged as placeholder")
	}
}

func TestItemsEmptyComment(t *testing.T) {
	if items := Items(source.Comment{ID: 1, HTMLBody: "<p>no images here</p>"}); len(items) != 0 {
		t.Fatalf("got %d items, want 0", len(items))
	}
}
