package models

// PageSummary is one page entry of the document summary.
type PageSummary struct {
	Page         int    `firestore:"page" json:"page"`
	Description  string `firestore:"description" json:"description"`
	RelatedPages []int  `firestore:"relatedPages,omitempty" json:"relatedPages,omitempty"`
}

// Summary is the document-level summary, produced once at workflow completion.
type Summary struct {
	Language        string        `firestore:"language,omitempty" json:"language,omitempty"`
	DocumentSummary string        `firestore:"documentSummary" json:"documentSummary"`
	TotalPages      int           `firestore:"totalPages" json:"totalPages"`
	Pages           []PageSummary `firestore:"pages" json:"pages"`
}
