package search

// ListRecord is the data we index for a public list. Private lists are
// indexed too so a visibility flip only needs a re-index, but queries
// always filter them out.
type ListRecord struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	IsPublic    bool     `json:"isPublic"`
}

// Query describes a public list search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search facade. Results carry
// only index data; callers hydrate full lists from storage.
type Response struct {
	Results []ListRecord `json:"results"`
	Total   int          `json:"total"`
	Query   string       `json:"query"`
}

// Searcher can execute a public list search.
type Searcher interface {
	Search(q Query) ([]ListRecord, int, error)
	Healthy() bool
}
