package knowledge

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Document is an entry in the knowledge index.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	URL       string    `json:"url,omitempty"`
	Content   string    `json:"content"`
	AddedAt   time.Time `json:"added_at"`
	TenantID  string    `json:"tenant_id,omitempty"`
	WordCount int       `json:"word_count"`
}

// Hit is one search result.
type Hit struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

type indexed struct {
	doc   Document
	terms map[string]int
}

// index is an in-memory term-frequency index, partitioned by tenant.
// Documents without a tenant are visible to every tenant.
type index struct {
	mu   sync.RWMutex
	docs map[string]*indexed
}

func newIndex() *index {
	return &index{docs: make(map[string]*indexed)}
}

func (ix *index) add(doc Document) {
	terms := make(map[string]int)
	words := tokenize(doc.Title + " " + doc.Content)
	for _, w := range words {
		terms[w]++
	}
	doc.WordCount = len(words)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.docs[doc.ID] = &indexed{doc: doc, terms: terms}
}

func (ix *index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// search ranks documents by tf-idf over the query terms. Title matches
// count double.
func (ix *index) search(tenantID, query string, limit int) []Hit {
	qterms := tokenize(query)
	if len(qterms) == 0 {
		return nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	visible := make([]*indexed, 0, len(ix.docs))
	df := make(map[string]int)
	for _, d := range ix.docs {
		if d.doc.TenantID != "" && d.doc.TenantID != tenantID {
			continue
		}
		visible = append(visible, d)
		for _, q := range qterms {
			if d.terms[q] > 0 {
				df[q]++
			}
		}
	}

	var hits []Hit
	for _, d := range visible {
		score := 0.0
		title := strings.ToLower(d.doc.Title)
		for _, q := range qterms {
			tf := d.terms[q]
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + float64(len(visible))/float64(df[q]))
			score += float64(tf) / float64(max(d.doc.WordCount, 1)) * idf
			if strings.Contains(title, q) {
				score += idf
			}
		}
		if score > 0 {
			hits = append(hits, Hit{
				ID:      d.doc.ID,
				Title:   d.doc.Title,
				URL:     d.doc.URL,
				Score:   math.Round(score*1000) / 1000,
				Snippet: snippet(d.doc.Content, qterms),
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 && !stopWords[f] {
			out = append(out, f)
		}
	}
	return out
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "with": true,
	"this": true, "that": true, "from": true, "you": true, "your": true,
	"of": true, "to": true, "in": true, "is": true, "it": true, "on": true,
	"or": true, "an": true, "be": true, "as": true, "at": true, "by": true,
}

// snippet returns roughly 200 characters around the first query term.
func snippet(content string, terms []string) string {
	lower := strings.ToLower(content)
	at := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at < 0 {
		at = 0
	}
	start := max(at-60, 0)
	end := min(start+200, len(content))
	s := strings.TrimSpace(strings.ReplaceAll(strings.ToValidUTF8(content[start:end], ""), "\n", " "))
	if start > 0 {
		s = "..." + s
	}
	if end < len(content) {
		s += "..."
	}
	return s
}
