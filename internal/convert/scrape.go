package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// 一般的なブラウザを装うUser-Agent。一部のサイトはデフォルトUAを拒否します。
const scrapeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxScrapedLinks = 100

// scrapeParams は scrape ジョブのパラメータです。ファイルは使わず、
// 対象URLをパラメータで受け取ります。
type scrapeParams struct {
	URL             string `json:"url"`
	IncludeMetadata *bool  `json:"includeMetadata,omitempty"`
	IncludeContent  *bool  `json:"includeContent,omitempty"`
	IncludeFooter   *bool  `json:"includeFooter,omitempty"`
	IncludeLinks    *bool  `json:"includeLinks,omitempty"`
}

func (p scrapeParams) include(flag *bool) bool {
	return flag == nil || *flag
}

type pageMetadata struct {
	Title       string
	URL         string
	Site        string
	Date        string
	Author      string
	Description string
}

type pageLink struct {
	Text string
	URL  string
}

type pageFooter struct {
	Emails []string
	Phones []string
	Text   string
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,3}[\s\-.]?)?(?:\(?\d{1,4}\)?[\s\-.]?)?\d{3,4}[\s\-.]?\d{3,4}(?:[\s\-.]?\d{2,4})?`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// processScrape はURLの内容を構造化テキストとして抽出し、ZIPにまとめます。
func (s *Service) processScrape(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	var params scrapeParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("スクレイピングパラメータを解釈できません: %v", err)
		}
	}
	if params.URL == "" {
		return nil, fmt.Errorf("URLが指定されていません。")
	}
	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("不正なURLです: %s", params.URL)
	}

	report(10, "ページをダウンロードしています")
	body, finalURL, err := s.fetchPage(ctx, params.URL)
	if err != nil {
		return nil, err
	}

	report(25, "HTMLを解析しています")
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("HTMLの解析に失敗しました: %v", err)
	}

	report(40, "メタデータを抽出しています")
	meta := extractMetadata(doc, finalURL)

	report(55, "本文を抽出しています")
	content := extractMainContent(doc)

	report(72, "フッターとリンクを抽出しています")
	footer := extractFooter(doc)
	links := extractLinks(doc, finalURL)

	report(85, "出力ファイルを生成しています")
	text := renderScrapeResult(meta, content, footer, links, params)

	host := strings.TrimPrefix(mustHost(finalURL), "www.")
	base := strings.ReplaceAll(host, ".", "_")
	if base == "" {
		base = "page"
	}

	tmp, err := os.CreateTemp("", "pdfexport-scrape-*.txt")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("出力ファイルの保存に失敗しました: %v", err)
	}
	tmp.Close()

	zipPath, err := s.storage.CreateZip(outputName(job.ID, base+"_scrape.zip"), []storage.ZipEntry{
		{Path: tmp.Name(), Name: base + "_scrape.txt"},
	})
	if err != nil {
		return nil, fmt.Errorf("ZIPの作成に失敗しました: %v", err)
	}

	return &jobs.Outcome{
		ResultPath: zipPath,
		Message:    fmt.Sprintf("ページの内容を抽出しました(リンク %d件)。", len(links)),
	}, nil
}

// fetchPage はページをダウンロードし、リダイレクト後の最終URLとともに返します。
func (s *Service) fetchPage(ctx context.Context, rawURL string) (string, string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("不正なURLです: %v", err)
	}
	req.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("ページのダウンロードに失敗しました: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("ページのダウンロードに失敗しました: HTTP %d", resp.StatusCode)
	}

	// 巨大なページでメモリを使い切らないよう10MBで打ち切ります。
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", "", fmt.Errorf("ページの読み込みに失敗しました: %v", err)
	}

	s.logger.Printf("scrape: downloaded %d bytes from %s", len(raw), resp.Request.URL)
	return string(raw), resp.Request.URL.String(), nil
}

// --- DOMユーティリティ ---

func walkNodes(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkNodes(c, fn)
	}
}

func attrValue(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findMeta(doc *html.Node, attr, value string) string {
	var content string
	walkNodes(doc, func(n *html.Node) bool {
		if content != "" {
			return false
		}
		if n.Type == html.ElementNode && n.Data == "meta" && attrValue(n, attr) == value {
			content = strings.TrimSpace(attrValue(n, "content"))
			return false
		}
		return true
	})
	return content
}

func nodeText(n *html.Node) string {
	var builder strings.Builder
	walkNodes(n, func(c *html.Node) bool {
		switch c.Type {
		case html.TextNode:
			builder.WriteString(c.Data)
		case html.ElementNode:
			if c.Data == "script" || c.Data == "style" {
				return false
			}
		}
		return true
	})
	return strings.TrimSpace(builder.String())
}

func decodeURL(raw string) string {
	if decoded, err := url.QueryUnescape(raw); err == nil {
		return decoded
	}
	return raw
}

// truncateRunes はルーン境界を保ったまま最大 max 文字に切り詰めます。
// バイト位置での切断は多バイト文字を壊すため使いません。
func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func mustHost(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		return parsed.Host
	}
	return ""
}

// extractMetadata は <head> からタイトル、正規URL、日付、著者、説明を拾います。
// ニュースサイトが使うOpen Graphとarticle:系メタを優先します。
func extractMetadata(doc *html.Node, pageURL string) pageMetadata {
	meta := pageMetadata{
		URL:  decodeURL(pageURL),
		Site: mustHost(pageURL),
	}

	if title := findMeta(doc, "property", "og:title"); title != "" {
		meta.Title = title
	} else {
		walkNodes(doc, func(n *html.Node) bool {
			if meta.Title != "" {
				return false
			}
			if n.Type == html.ElementNode && n.Data == "title" {
				meta.Title = nodeText(n)
				return false
			}
			return true
		})
	}

	walkNodes(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "link" && attrValue(n, "rel") == "canonical" {
			if href := attrValue(n, "href"); href != "" {
				meta.URL = decodeURL(href)
			}
			return false
		}
		return true
	})
	if ogURL := findMeta(doc, "property", "og:url"); meta.URL == decodeURL(pageURL) && ogURL != "" {
		meta.URL = decodeURL(ogURL)
	}

	for _, probe := range []struct{ attr, value string }{
		{"property", "article:published_time"},
		{"property", "article:modified_time"},
		{"name", "date"},
		{"name", "DC.date"},
		{"itemprop", "datePublished"},
	} {
		if date := findMeta(doc, probe.attr, probe.value); len(date) >= 6 {
			if idx := strings.IndexByte(date, 'T'); idx >= 0 {
				date = date[:idx]
			}
			meta.Date = date
			break
		}
	}

	for _, probe := range []struct{ attr, value string }{
		{"property", "article:author"},
		{"name", "author"},
		{"name", "DC.creator"},
	} {
		if author := findMeta(doc, probe.attr, probe.value); len(author) > 2 {
			meta.Author = truncateRunes(author, 100)
			break
		}
	}

	if desc := findMeta(doc, "property", "og:description"); desc != "" {
		meta.Description = desc
	} else {
		meta.Description = findMeta(doc, "name", "description")
	}

	return meta
}

// extractMainContent はナビゲーションや広告などの飾りを落として
// 本文テキストを再構成します。
func extractMainContent(doc *html.Node) string {
	skip := map[string]bool{
		"nav": true, "header": true, "footer": true,
		"script": true, "style": true, "aside": true, "form": true,
	}

	var body *html.Node
	walkNodes(doc, func(n *html.Node) bool {
		if body != nil {
			return false
		}
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return false
		}
		return true
	})
	if body == nil {
		body = doc
	}

	var builder strings.Builder
	walkNodes(body, func(n *html.Node) bool {
		switch n.Type {
		case html.ElementNode:
			if skip[n.Data] {
				return false
			}
			switch n.Data {
			case "p", "div", "section", "article", "h1", "h2", "h3", "h4", "li", "br", "tr":
				builder.WriteByte('\n')
			}
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				builder.WriteString(text)
				builder.WriteByte(' ')
			}
		}
		return true
	})

	content := blankLines.ReplaceAllString(strings.TrimSpace(builder.String()), "\n\n")
	if content == "" {
		return "(本文を抽出できませんでした)"
	}
	return content
}

// extractLinks は本文中のリンクを説明テキスト付きで収集します。
// アンカーやjavascript:などは除外し、相対URLは絶対URLへ変換します。
func extractLinks(doc *html.Node, pageURL string) []pageLink {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]bool)
	var links []pageLink

	walkNodes(doc, func(n *html.Node) bool {
		if len(links) >= maxScrapedLinks {
			return false
		}
		if n.Type != html.ElementNode || n.Data != "a" {
			return true
		}
		href := strings.TrimSpace(attrValue(n, "href"))
		text := nodeText(n)
		if href == "" || text == "" {
			return true
		}
		for _, prefix := range []string{"#", "javascript:", "mailto:", "tel:"} {
			if strings.HasPrefix(href, prefix) {
				return true
			}
		}
		if base != nil {
			if resolved, err := base.Parse(href); err == nil {
				href = resolved.String()
			}
		}
		href = decodeURL(href)
		if seen[href] {
			return true
		}
		seen[href] = true

		links = append(links, pageLink{Text: truncateRunes(text, 150), URL: href})
		return true
	})

	return links
}

// extractFooter はフッターや問い合わせ欄からメールアドレスと電話番号を探します。
func extractFooter(doc *html.Node) pageFooter {
	sectionHint := regexp.MustCompile(`(?i)footer|contact|about`)

	var texts []string
	walkNodes(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		isSection := n.Data == "footer" ||
			((n.Data == "section" || n.Data == "div" || n.Data == "aside") &&
				(sectionHint.MatchString(attrValue(n, "id")) || sectionHint.MatchString(attrValue(n, "class"))))
		if isSection {
			if text := nodeText(n); text != "" {
				texts = append(texts, text)
			}
			return false
		}
		return true
	})

	joined := strings.Join(texts, " ")
	if joined == "" {
		joined = nodeText(doc)
	}

	var footer pageFooter

	seenEmail := make(map[string]bool)
	for _, email := range emailPattern.FindAllString(joined, -1) {
		lower := strings.ToLower(email)
		if strings.Contains(lower, "example") || strings.Contains(lower, "noreply") ||
			strings.Contains(lower, "no-reply") || strings.Contains(lower, "test") {
			continue
		}
		if !seenEmail[email] {
			seenEmail[email] = true
			footer.Emails = append(footer.Emails, email)
		}
		if len(footer.Emails) >= 10 {
			break
		}
	}

	digitsOnly := regexp.MustCompile(`\D`)
	seenPhone := make(map[string]bool)
	for _, phone := range phonePattern.FindAllString(joined, -1) {
		if len(digitsOnly.ReplaceAllString(phone, "")) < 7 {
			continue
		}
		phone = strings.TrimSpace(phone)
		if !seenPhone[phone] {
			seenPhone[phone] = true
			footer.Phones = append(footer.Phones, phone)
		}
		if len(footer.Phones) >= 10 {
			break
		}
	}

	if len(texts) > 0 {
		footer.Text = truncateRunes(texts[0], 600)
	}
	return footer
}

// renderScrapeResult はセクション区切りのテキストをCRLFで整形します。
func renderScrapeResult(meta pageMetadata, content string, footer pageFooter, links []pageLink, params scrapeParams) string {
	sep := strings.Repeat("=", 80)
	var lines []string

	if params.include(params.IncludeMetadata) {
		lines = append(lines, sep, "メタデータ", sep)
		if meta.Title != "" {
			lines = append(lines, "タイトル: "+meta.Title)
		}
		lines = append(lines, "URL: "+meta.URL, "サイト: "+meta.Site)
		if meta.Date != "" {
			lines = append(lines, "日付: "+meta.Date)
		}
		if meta.Author != "" {
			lines = append(lines, "著者: "+meta.Author)
		}
		if meta.Description != "" {
			lines = append(lines, "説明: "+meta.Description)
		}
		lines = append(lines, "")
	}

	if params.include(params.IncludeContent) {
		lines = append(lines, sep, "本文", sep, content, "")
	}

	if params.include(params.IncludeFooter) {
		lines = append(lines, sep, "フッター / 連絡先", sep)
		if len(footer.Emails) > 0 {
			lines = append(lines, "メール: "+strings.Join(footer.Emails, ", "))
		}
		if len(footer.Phones) > 0 {
			lines = append(lines, "電話: "+strings.Join(footer.Phones, ", "))
		}
		if footer.Text != "" {
			lines = append(lines, "", footer.Text)
		}
		if len(footer.Emails) == 0 && len(footer.Phones) == 0 && footer.Text == "" {
			lines = append(lines, "(連絡先情報は見つかりませんでした)")
		}
		lines = append(lines, "")
	}

	if params.include(params.IncludeLinks) && len(links) > 0 {
		lines = append(lines, sep, fmt.Sprintf("リンク(%d件)", len(links)), sep)
		for _, link := range links {
			lines = append(lines, fmt.Sprintf("- %s: %s", link.Text, link.URL))
		}
		lines = append(lines, "")
	}

	return strings.Join(lines, "\r\n")
}
