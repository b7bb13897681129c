package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Instance string `json:"instance"`
	Local    bool   `json:"local"`
}

// Query describes a search request.
type Query struct {
	Text      string
	LocalOnly bool
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over articles.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ArticleRecord is the data we index for an article. ID is a key-safe digest
// of the global identifier; Meilisearch rejects URLs as primary keys.
type ArticleRecord struct {
	ID       string `json:"id"`
	APID     string `json:"apId"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	Instance string `json:"instance"`
	Local    bool   `json:"local"`
}
