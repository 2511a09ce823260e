// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package tracker

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/moistari/rls"
	"github.com/rs/zerolog/log"
)

// SearchResult is one row of a search or category listing.
type SearchResult struct {
	TopicID   int64  `json:"topicId"`
	Title     string `json:"title"`
	Forum     string `json:"forum"`
	ForumID   int64  `json:"forumId,omitempty"`
	Author    string `json:"author,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	AddedAt   int64  `json:"addedAt,omitempty"`

	Release *ReleaseInfo `json:"release,omitempty"`
}

// ReleaseInfo is structured metadata parsed out of a release title.
type ReleaseInfo struct {
	Artist     string `json:"artist,omitempty"`
	Title      string `json:"title,omitempty"`
	Year       int    `json:"year,omitempty"`
	Group      string `json:"group,omitempty"`
	Source     string `json:"source,omitempty"`
	AudioCodec string `json:"audioCodec,omitempty"`
}

// TopicDetail is a parsed topic page.
type TopicDetail struct {
	TopicID     int64  `json:"topicId"`
	Title       string `json:"title"`
	Forum       string `json:"forum,omitempty"`
	Description string `json:"description,omitempty"`
	MagnetURI   string `json:"magnetUri,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
	Seeders     int    `json:"seeders"`
	Leechers    int    `json:"leechers"`

	Release *ReleaseInfo `json:"release,omitempty"`
}

// ParseSearchResults extracts listing rows from a search or category page.
// An empty result set is not an error; a page with no recognizable result
// table is.
func ParseSearchResults(body string) ([]SearchResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find("table.forumline tr.hl-tr, table#tor-tbl tr.tCenter")
	if table.Length() == 0 && doc.Find("table.forumline, table#tor-tbl").Length() == 0 {
		return nil, fmt.Errorf("no result table in page")
	}

	var results []SearchResult
	table.Each(func(_ int, row *goquery.Selection) {
		link := row.Find("a.med.tLink, a.torTopic, td.t-title a").First()
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return
		}

		href, _ := link.Attr("href")
		topicID := topicIDFromHref(href)
		if topicID == 0 {
			if v, ok := row.Attr("data-topic_id"); ok {
				topicID, _ = strconv.ParseInt(v, 10, 64)
			}
		}
		if topicID == 0 {
			log.Debug().Str("title", title).Msg("listing row without topic id skipped")
			return
		}

		forumLink := row.Find("a.gen.f, td.f-name a").First()
		forumHref, _ := forumLink.Attr("href")

		result := SearchResult{
			TopicID:   topicID,
			Title:     title,
			Forum:     strings.TrimSpace(forumLink.Text()),
			ForumID:   forumIDFromHref(forumHref),
			Author:    strings.TrimSpace(row.Find("a.med.u-name-link, td.u-name a").First().Text()),
			SizeBytes: parseSize(row.Find("a.small.tr-dl, td.tor-size").First().Text()),
			Seeders:   parseCount(row.Find("b.seedmed, td.seedmed").First().Text()),
			Leechers:  parseCount(row.Find("b.leechmed, td.leechmed").First().Text()),
			Release:   parseReleaseTitle(title),
		}
		if ts, ok := row.Find("td").Last().Attr("data-ts_text"); ok {
			result.AddedAt, _ = strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		}
		results = append(results, result)
	})

	return results, nil
}

// ParseTopicDetail extracts a topic page: title, description, magnet and
// download links.
func ParseTopicDetail(body string) (*TopicDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	titleLink := doc.Find("h1.maintitle a#topic-title, h1.maintitle a").First()
	title := strings.TrimSpace(titleLink.Text())
	if title == "" {
		return nil, fmt.Errorf("no topic title in page")
	}

	href, _ := titleLink.Attr("href")

	detail := &TopicDetail{
		TopicID:     topicIDFromHref(href),
		Title:       title,
		Forum:       strings.TrimSpace(doc.Find("td.nav.w100 a").Last().Text()),
		Description: strings.TrimSpace(doc.Find("div.post_body").First().Text()),
		Seeders:     parseCount(doc.Find("span.seed b").First().Text()),
		Leechers:    parseCount(doc.Find("span.leech b").First().Text()),
		SizeBytes:   parseSize(doc.Find("span#tor-size-humn, div.attach_link ul li").First().Text()),
		Release:     parseReleaseTitle(title),
	}

	if magnet, ok := doc.Find("a.magnet-link").First().Attr("href"); ok {
		detail.MagnetURI = magnet
	}
	if dl, ok := doc.Find("a.dl-stub.dl-link, a.dl-link").First().Attr("href"); ok {
		detail.DownloadURL = dl
	}

	return detail, nil
}

// parseReleaseTitle enriches a raw listing title with structured release
// metadata. Best effort; audiobook titles often defy release naming and then
// the row just carries the raw title.
func parseReleaseTitle(title string) *ReleaseInfo {
	r := rls.ParseString(title)
	info := ReleaseInfo{
		Artist: r.Artist,
		Title:  r.Title,
		Year:   r.Year,
		Group:  r.Group,
		Source: r.Source,
	}
	if len(r.Audio) > 0 {
		info.AudioCodec = r.Audio[0]
	}
	if info == (ReleaseInfo{}) {
		return nil
	}
	return &info
}

var topicIDPattern = regexp.MustCompile(`[?&]t=(\d+)`)

func topicIDFromHref(href string) int64 {
	m := topicIDPattern.FindStringSubmatch(href)
	if len(m) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(m[1], 10, 64)
	return id
}

var forumIDPattern = regexp.MustCompile(`[?&]f=(\d+)`)

func forumIDFromHref(href string) int64 {
	m := forumIDPattern.FindStringSubmatch(href)
	if len(m) < 2 {
		return 0
	}
	id, _ := strconv.ParseInt(m[1], 10, 64)
	return id
}

func parseCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}

// sizeUnits maps the site's size suffixes, both latin and cyrillic, to byte
// multipliers.
var sizeUnits = map[string]int64{
	"b":  1,
	"б":  1,
	"kb": 1 << 10,
	"кб": 1 << 10,
	"mb": 1 << 20,
	"мб": 1 << 20,
	"gb": 1 << 30,
	"гб": 1 << 30,
	"tb": 1 << 40,
	"тб": 1 << 40,
}

// parseSize parses "1.37 GB" or "700 МБ" style size strings. Unparseable
// input yields 0, never an error.
func parseSize(s string) int64 {
	fields := strings.Fields(strings.ToLower(strings.ReplaceAll(s, " ", " ")))
	if len(fields) < 2 {
		return 0
	}

	value, err := strconv.ParseFloat(strings.ReplaceAll(fields[0], ",", "."), 64)
	if err != nil || value < 0 {
		return 0
	}

	unit := strings.TrimSuffix(fields[1], "↓")
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0
	}
	return int64(value * float64(mult))
}

// SearchPath builds the search request path for a query, encoded in the
// site's charset.
func SearchPath(query string) (string, error) {
	encoded, err := encodeFormCP1251([]formField{{"nm", query}})
	if err != nil {
		return "", err
	}
	return "/forum/tracker.php?" + encoded, nil
}

// CategoryPath builds the category listing path.
func CategoryPath(forumID int64) string {
	return fmt.Sprintf("/forum/viewforum.php?f=%d", forumID)
}

// TopicPath builds the topic detail path.
func TopicPath(topicID int64) string {
	return fmt.Sprintf("/forum/viewtopic.php?t=%d", topicID)
}

// DownloadPath builds the .torrent download path.
func DownloadPath(topicID int64) string {
	return fmt.Sprintf("/forum/dl.php?t=%d", topicID)
}
