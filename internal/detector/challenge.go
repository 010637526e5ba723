// Package detector recognizes captcha and bot-wall pages that are served with
// a success status, so they can be retried instead of cached.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// defaultSelectors match interstitials that replace the page. Embedded
// widgets such as .g-recaptcha also appear on ordinary review forms.
var defaultSelectors = []string{
	"form[action*='captcha']",
	"iframe[src*='captcha']",
}

// Challenge flags pages by keyword or by the presence of known markup.
type Challenge struct {
	keywords  [][]byte
	selectors []string
}

// NewChallenge builds a detector. Keywords match case-insensitively. When no
// selectors are given a small built-in set of captcha interstitials is used.
func NewChallenge(keywords, selectors []string) *Challenge {
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	sels := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			sels = append(sels, sel)
		}
	}
	if len(sels) == 0 {
		sels = append(sels, defaultSelectors...)
	}
	return &Challenge{keywords: lowerKeywords, selectors: sels}
}

// IsChallenge reports whether body looks like an interstitial rather than
// the requested document.
func (d *Challenge) IsChallenge(body []byte) bool {
	if d == nil || len(body) == 0 {
		return false
	}
	return d.containsKeywords(body) || d.matchesSelectors(body)
}

func (d *Challenge) containsKeywords(body []byte) bool {
	if len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}

func (d *Challenge) matchesSelectors(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	for _, sel := range d.selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
