// Package selector implements crawler.Parser with CSS selectors over goquery.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/market-crawler/internal/crawler"
)

// ErrNoItemSelector is returned by New when no item selector is configured.
var ErrNoItemSelector = errors.New("item selector is required")

// field is one compiled "css" or "css@attr" expression.
type field struct {
	name string
	css  string
	attr string
}

// Parser emits one record per element matching the item selector.
type Parser struct {
	item   string
	fields []field
}

// New compiles fields. A value of "" selects the item element itself, and a
// trailing "@attr" reads an attribute instead of the trimmed text.
func New(itemSelector string, fields map[string]string) (*Parser, error) {
	itemSelector = strings.TrimSpace(itemSelector)
	if itemSelector == "" {
		return nil, ErrNoItemSelector
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &Parser{item: itemSelector}
	for _, name := range names {
		expr := strings.TrimSpace(fields[name])
		f := field{name: name, css: expr}
		if i := strings.LastIndex(expr, "@"); i >= 0 {
			f.css = strings.TrimSpace(expr[:i])
			f.attr = strings.TrimSpace(expr[i+1:])
			if f.attr == "" {
				return nil, fmt.Errorf("field %q: empty attribute after @", name)
			}
		}
		p.fields = append(p.fields, f)
	}
	return p, nil
}

// Parse returns at most limit records from page. Records where every field is
// empty are skipped.
func (p *Parser) Parse(ctx context.Context, page crawler.Page, limit int) ([]crawler.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	var records []crawler.Record
	doc.Find(p.item).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if ctx.Err() != nil {
			return false
		}
		if rec := p.extract(sel); len(rec) > 0 {
			records = append(records, rec)
		}
		return len(records) < limit
	})
	if err := ctx.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func (p *Parser) extract(sel *goquery.Selection) crawler.Record {
	rec := crawler.Record{}
	for _, f := range p.fields {
		target := sel
		if f.css != "" {
			target = sel.Find(f.css).First()
		}
		if target.Length() == 0 {
			continue
		}
		var value string
		if f.attr != "" {
			v, ok := target.Attr(f.attr)
			if !ok {
				continue
			}
			value = strings.TrimSpace(v)
		} else {
			value = strings.Join(strings.Fields(target.Text()), " ")
		}
		if value != "" {
			rec[f.name] = value
		}
	}
	return rec
}
