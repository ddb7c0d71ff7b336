package models

// Product is a marketplace listing normalized into one shape regardless of source.
// Condition is filled by listing-style sources, Rating by retail-style ones.
type Product struct {
	Title     string `json:"title"`
	Price     string `json:"price"`
	Condition string `json:"condition,omitempty"`
	Rating    string `json:"rating,omitempty"`
	URL       string `json:"url"`
	ImageURL  string `json:"image_url,omitempty"`
	Source    string `json:"source,omitempty"`
}

// SearchResultSet maps a source name (ebay, amazon) to its items.
type SearchResultSet map[string][]Product

// Total counts items across sources.
func (s SearchResultSet) Total() int {
	n := 0
	for _, items := range s {
		n += len(items)
	}
	return n
}
