package extract

import (
	"strings"
	"testing"
)

func TestDocumentTextRendersPages(t *testing.T) {
	doc := &Document{
		PageCount: 3,
		Pages: []PageResult{
			{Page: 1, Text: "Revenue grew 12% year over year."},
			{Page: 2, Text: "   "},
			{Page: 3, Reason: "stream decode failed"},
		},
	}

	text := doc.Text()
	if !strings.Contains(text, "Page 1:\nRevenue grew 12% year over year.") {
		t.Fatalf("missing page 1 section: %q", text)
	}
	if !strings.Contains(text, "Page 2: [no extractable text found]") {
		t.Fatalf("missing empty-page placeholder: %q", text)
	}
	if !strings.Contains(text, "Page 3: [extraction failed: stream decode failed]") {
		t.Fatalf("missing failed-page placeholder: %q", text)
	}
	if strings.Contains(text, "Warning:") {
		t.Fatalf("keyword warning should be absent for financial text: %q", text)
	}
}

func TestDocumentTextWarnsWithoutFinancialKeywords(t *testing.T) {
	doc := &Document{
		PageCount: 1,
		Pages:     []PageResult{{Page: 1, Text: "A poem about the sea."}},
	}

	text := doc.Text()
	if !strings.HasPrefix(text, "Warning: This document may not contain typical financial content.") {
		t.Fatalf("expected keyword warning prefix, got %q", text)
	}
}

func TestDocumentReadable(t *testing.T) {
	var nilDoc *Document
	if nilDoc.Readable() {
		t.Fatal("nil document should not be readable")
	}

	cases := []struct {
		name  string
		pages []PageResult
		want  bool
	}{
		{"all failed", []PageResult{{Page: 1, Reason: "x"}}, false},
		{"all blank", []PageResult{{Page: 1, Text: "  "}}, false},
		{"one readable", []PageResult{{Page: 1, Reason: "x"}, {Page: 2, Text: "cash flow"}}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := &Document{Pages: tc.pages}
			if got := doc.Readable(); got != tc.want {
				t.Fatalf("Readable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDecodeContentText(t *testing.T) {
	content := `BT /F1 12 Tf (Total revenue:) Tj ( \(net\) 42 USD) Tj ET`
	got := decodeContentText(content)
	want := "Total revenue: (net) 42 USD"
	if got != want {
		t.Fatalf("decodeContentText = %q, want %q", got, want)
	}
}

func TestDecodeContentTextEmpty(t *testing.T) {
	if got := decodeContentText("BT ET 0 0 m"); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
