package models

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

type ReleaseStatus string

const (
	ReleaseAvailable ReleaseStatus = "available"
	ReleaseUpcoming  ReleaseStatus = "upcoming"
	ReleaseRumored   ReleaseStatus = "rumored"
	ReleaseUnknown   ReleaseStatus = "unknown"
)

// Verification classifies whether a product can be bought today.
type Verification struct {
	Exists        bool          `json:"exists"`
	Info          string        `json:"info"`
	Confidence    Confidence    `json:"confidence"`
	ReleaseStatus ReleaseStatus `json:"release_status,omitempty"`
}

// Blocks reports whether a search must be held back: only a negative
// verdict at high or medium confidence stops the user.
func (v Verification) Blocks() bool {
	if v.Exists {
		return false
	}
	return v.Confidence == ConfidenceHigh || v.Confidence == ConfidenceMedium
}

// WebResult is one organic web search hit.
type WebResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link,omitempty"`
}

// KnowledgePanel is the summary box some search engines return for entities.
type KnowledgePanel struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// WebResults is the outcome of one web search.
type WebResults struct {
	Organic   []WebResult     `json:"organic"`
	Knowledge *KnowledgePanel `json:"knowledge,omitempty"`
	Provider  string          `json:"provider,omitempty"`
}
