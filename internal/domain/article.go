package domain

import "time"

// Article is the canonical, normalized form of a feed entry.
// Two articles with the same ID are the same logical entry.
type Article struct {
	ID          string
	IDDerived   bool // ID was hashed from link+title because the entry had no GUID
	Title       string
	Summary     string // plain text
	Body        string // sanitized HTML
	Author      string
	Category    string
	Link        string
	Media       *Media
	Tags        []string
	PublishedAt time.Time
	UpdatedAt   *time.Time
}

type Media struct {
	URL  string
	Type string
}
