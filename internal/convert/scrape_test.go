package convert

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Fallback Title</title>
  <meta property="og:title" content="記事タイトル">
  <meta property="og:description" content="記事の概要です">
  <meta property="article:published_time" content="2024-03-15T10:30:00Z">
  <meta name="author" content="山田太郎">
  <link rel="canonical" href="https://news.example.jp/articles/42">
</head>
<body>
  <nav><a href="/home">ホーム</a></nav>
  <article>
    <h1>見出し</h1>
    <p>本文の段落です。<a href="/related">関連記事</a>もあります。</p>
    <p>外部リンクは<a href="https://other.example.com/page">こちら</a>。</p>
    <a href="#top">トップへ</a>
    <a href="javascript:void(0)">無効</a>
    <a href="/dup">重複</a>
    <a href="/dup">重複</a>
  </article>
  <footer>
    お問い合わせ: contact@news-corp.jp / 03-1234-5678 (テスト用: dummy@example.com)
  </footer>
</body>
</html>`

func parsePage(t *testing.T) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(samplePage))
	if err != nil {
		t.Fatalf("html.Parse returned error: %v", err)
	}
	return doc
}

func TestExtractMetadata(t *testing.T) {
	meta := extractMetadata(parsePage(t), "https://news.example.jp/articles/42?ref=top")

	if meta.Title != "記事タイトル" {
		t.Fatalf("Title = %q, og:title must win over <title>", meta.Title)
	}
	if meta.URL != "https://news.example.jp/articles/42" {
		t.Fatalf("URL = %q, canonical must win", meta.URL)
	}
	if meta.Site != "news.example.jp" {
		t.Fatalf("Site = %q", meta.Site)
	}
	if meta.Date != "2024-03-15" {
		t.Fatalf("Date = %q, time part must be trimmed", meta.Date)
	}
	if meta.Author != "山田太郎" {
		t.Fatalf("Author = %q", meta.Author)
	}
	if meta.Description != "記事の概要です" {
		t.Fatalf("Description = %q", meta.Description)
	}
}

func TestExtractLinks(t *testing.T) {
	links := extractLinks(parsePage(t), "https://news.example.jp/articles/42")

	seen := make(map[string]string, len(links))
	for _, link := range links {
		if _, dup := seen[link.URL]; dup {
			t.Fatalf("duplicate link: %s", link.URL)
		}
		seen[link.URL] = link.Text
	}

	if _, ok := seen["https://news.example.jp/related"]; !ok {
		t.Fatalf("relative link not resolved: %v", links)
	}
	if _, ok := seen["https://other.example.com/page"]; !ok {
		t.Fatalf("absolute link missing: %v", links)
	}
	for url := range seen {
		if strings.HasPrefix(url, "javascript:") || strings.Contains(url, "#top") {
			t.Fatalf("filtered link leaked: %s", url)
		}
	}
}

func TestExtractFooter(t *testing.T) {
	footer := extractFooter(parsePage(t))

	// プレースホルダードメインのアドレスは除外され、実在ドメインだけが残る
	if len(footer.Emails) != 1 || footer.Emails[0] != "contact@news-corp.jp" {
		t.Fatalf("Emails = %v", footer.Emails)
	}
	if len(footer.Phones) == 0 || !strings.Contains(footer.Phones[0], "1234") {
		t.Fatalf("Phones = %v", footer.Phones)
	}
	if !strings.Contains(footer.Text, "お問い合わせ") {
		t.Fatalf("Text = %q", footer.Text)
	}
}

func TestExtractMainContentSkipsChrome(t *testing.T) {
	content := extractMainContent(parsePage(t))

	if !strings.Contains(content, "本文の段落です") {
		t.Fatalf("body text missing:\n%s", content)
	}
	if strings.Contains(content, "ホーム") {
		t.Fatalf("nav text leaked:\n%s", content)
	}
	if strings.Contains(content, "お問い合わせ") {
		t.Fatalf("footer text leaked:\n%s", content)
	}
}

func TestRenderScrapeResultSections(t *testing.T) {
	meta := pageMetadata{Title: "T", URL: "https://example.jp", Site: "example.jp"}
	footer := pageFooter{Emails: []string{"a@example.jp"}}
	links := []pageLink{{Text: "リンク", URL: "https://example.jp/x"}}

	full := renderScrapeResult(meta, "本文", footer, links, scrapeParams{})
	if !strings.Contains(full, "\r\n") {
		t.Fatal("output must use CRLF")
	}
	for _, section := range []string{"メタデータ", "本文", "フッター / 連絡先", "リンク"} {
		if !strings.Contains(full, section) {
			t.Fatalf("section %q missing", section)
		}
	}

	off := false
	trimmed := renderScrapeResult(meta, "本文", footer, links, scrapeParams{
		IncludeFooter: &off,
		IncludeLinks:  &off,
	})
	if strings.Contains(trimmed, "フッター / 連絡先") || strings.Contains(trimmed, "リンク(") {
		t.Fatal("disabled sections must be omitted")
	}
}
