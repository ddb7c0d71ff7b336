package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"

	"dealscout/internal/observability"
)

const (
	maxStoredChars   = 1000
	maxContextChars  = 150
	maxContextItems  = 5
	DefaultTopK      = 10
	defaultScanLimit = 500
	finalQueryMarker = "FINAL_QUERY:"
	contextHeader    = "Based on your search history, you've looked for:"
)

// meta-questions about the history itself are not product searches.
var metaPhrases = []string{"previously", "before", "searched for", "what did i"}

// Match is one stored turn ranked against a query.
type Match struct {
	Score          float64
	Content        string
	Role           string
	ConversationID int64
	CreatedAt      time.Time
}

// Store persists embedded turns in the memories table.
type Store struct {
	db        *sql.DB
	embedder  embeddings.Embedder
	scanLimit int
	now       func() time.Time
}

func NewStore(db *sql.DB, embedder embeddings.Embedder) *Store {
	return &Store{db: db, embedder: embedder, scanLimit: defaultScanLimit, now: time.Now}
}

// Store embeds text and records it for userID. Text beyond 1000 characters is
// cut before it is embedded.
func (s *Store) Store(ctx context.Context, userID, conversationID int64, text, role string, metadata map[string]any) error {
	if userID <= 0 {
		return errors.New("user id is required")
	}
	text = truncate(strings.TrimSpace(text), maxStoredChars)
	if text == "" {
		return errors.New("text is required")
	}

	vectors, err := s.embedder.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return errors.New("no embedding returned")
	}
	vec, err := json.Marshal(vectors[0])
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	var meta sql.NullString
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, conversation_id, role, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, conversationID, role, text, string(vec), meta, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Search ranks the user's most recent turns by cosine similarity to query.
func (s *Store) Search(ctx context.Context, userID int64, query string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	queryVec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, role, content, embedding, created_at FROM memories WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		userID, s.scanLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var raw string
		if err := rows.Scan(&m.ConversationID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(raw), &vec); err != nil {
			observability.LoggerFromContext(ctx).Warn("skipping memory with unreadable embedding", "error", err)
			continue
		}
		m.Score = cosine(queryVec, vec)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// RetrieveContext returns a bullet list of past product searches similar to
// query, or "" when nothing qualifies.
func (s *Store) RetrieveContext(ctx context.Context, userID int64, query string, topK int) (string, error) {
	matches, err := s.Search(ctx, userID, query, topK)
	if err != nil {
		return "", err
	}
	return FormatContext(matches), nil
}

// FormatContext keeps user turns and final queries, drops meta-questions and
// duplicates, and renders at most five bullets.
func FormatContext(matches []Match) string {
	seen := make(map[string]struct{})
	var items []string
	for _, m := range matches {
		lower := strings.ToLower(m.Content)
		if containsAny(lower, metaPhrases) {
			continue
		}
		if m.Role != "user" && !strings.Contains(m.Content, "FINAL_QUERY") {
			continue
		}
		clean := strings.TrimSpace(strings.ReplaceAll(m.Content, finalQueryMarker, ""))
		if len(clean) <= 5 {
			continue
		}
		if _, dup := seen[clean]; dup {
			continue
		}
		seen[clean] = struct{}{}
		items = append(items, truncate(clean, maxContextChars))
	}
	if len(items) == 0 {
		return ""
	}
	if len(items) > maxContextItems {
		items = items[:maxContextItems]
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	for _, item := range items {
		b.WriteString("\n- ")
		b.WriteString(item)
	}
	return b.String()
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
