package store

import (
	"encoding/json"
	"time"
)

type Document struct {
	ID        string
	Title     string
	Content   json.RawMessage
	PlainText string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentSummary is the listing shape: metadata without the content blob.
type DocumentSummary struct {
	ID        string
	Title     string
	Preview   string
	UpdatedAt time.Time
}
