package shopping

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dealscout/internal/models"
	"dealscout/internal/service/ai"
	"dealscout/internal/service/marketplace"
	"dealscout/internal/service/research"
)

type scriptedAssistant struct {
	mu        sync.Mutex
	replies   []string
	err       error
	histories [][]*models.Message
}

func (a *scriptedAssistant) Reply(ctx context.Context, history []*models.Message) (*ai.Reply, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.histories = append(a.histories, models.CloneHistory(history))
	if a.err != nil {
		return nil, a.err
	}
	if len(a.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	content := a.replies[0]
	a.replies = a.replies[1:]
	reply := &ai.Reply{Content: content}
	if q, ok := ai.ExtractFinalQuery(content); ok {
		reply.FinalQuery = q
	}
	return reply, nil
}

func (a *scriptedAssistant) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.histories)
}

type fakeVerifier struct {
	result  models.Verification
	queries []string
}

func (v *fakeVerifier) Verify(ctx context.Context, product string) models.Verification {
	v.queries = append(v.queries, product)
	return v.result
}

type fakeSearcher struct {
	name    string
	items   []models.Product
	err     error
	mu      sync.Mutex
	queries []string
}

func (s *fakeSearcher) Name() string  { return s.name }
func (s *fakeSearcher) Label() string { return map[string]string{"ebay": "eBay", "amazon": "Amazon"}[s.name] }
func (s *fakeSearcher) Search(ctx context.Context, query string, limit int) ([]models.Product, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.Product(nil), s.items...), nil
}

func (s *fakeSearcher) searched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type memStore struct {
	mu        sync.Mutex
	nextID    int64
	owners    map[int64]int64
	titles    map[int64]string
	messages  map[int64][]*models.Message
	appendErr error
	failAt    int // 1-based message in a batch that fails to write; 0 never
}

func newMemStore() *memStore {
	return &memStore{owners: map[int64]int64{}, titles: map[int64]string{}, messages: map[int64][]*models.Message{}}
}

func (s *memStore) CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.owners[s.nextID] = userID
	s.titles[s.nextID] = title
	return &models.Conversation{ID: s.nextID, UserID: userID, Title: title}, nil
}

// AppendMessages stages the batch and only keeps it when every write succeeds.
func (s *memStore) AppendMessages(ctx context.Context, userID, conversationID int64, msgs []models.Message) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return nil, s.appendErr
	}
	if s.owners[conversationID] != userID {
		return nil, sql.ErrNoRows
	}
	nextID := s.nextID
	staged := make([]*models.Message, 0, len(msgs))
	for i, msg := range msgs {
		if s.failAt == i+1 {
			return nil, errors.New("write failed")
		}
		nextID++
		msg.ID = nextID
		msg.UserID = userID
		msg.ConversationID = conversationID
		staged = append(staged, &msg)
	}
	s.nextID = nextID
	s.messages[conversationID] = append(s.messages[conversationID], staged...)
	return models.CloneHistory(staged), nil
}

func (s *memStore) DeleteConversation(ctx context.Context, userID, conversationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[conversationID]; !ok || owner != userID {
		return sql.ErrNoRows
	}
	delete(s.owners, conversationID)
	delete(s.titles, conversationID)
	delete(s.messages, conversationID)
	return nil
}

func (s *memStore) conversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}

func (s *memStore) ListMessages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if owner, ok := s.owners[conversationID]; !ok || owner != userID {
		return nil, sql.ErrNoRows
	}
	return models.CloneHistory(s.messages[conversationID]), nil
}

func (s *memStore) UpdateConversationTitle(ctx context.Context, userID, conversationID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[conversationID] = title
	return nil
}

func (s *memStore) stored(conversationID int64) []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneHistory(s.messages[conversationID])
}

type recordingMemory struct {
	mu      sync.Mutex
	context string
	stored  []string
}

func (m *recordingMemory) Store(ctx context.Context, userID, conversationID int64, text, role string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, role+":"+text)
	return nil
}

func (m *recordingMemory) RetrieveContext(ctx context.Context, userID int64, query string, topK int) (string, error) {
	return m.context, nil
}

type fixedTitler struct{}

func (fixedTitler) Title(ctx context.Context, messages []*models.Message) (string, error) {
	return "iPhone 13 hunt", nil
}

func newSearchers() (*fakeSearcher, *fakeSearcher) {
	ebay := &fakeSearcher{name: "ebay", items: []models.Product{
		{Title: "iPhone 13 128GB", Price: "350.00 USD", Condition: "Used"},
		{Title: "iPhone 13 Blue 128GB", Price: "372.00 USD", Condition: "Used"},
	}}
	amazon := &fakeSearcher{name: "amazon", items: []models.Product{
		{Title: "Apple iPhone 13", Price: "$389.99", Rating: "4.5 stars (1200 reviews)"},
		{Title: "Apple iPhone 13 Renewed", Price: "$379.00"},
		{Title: "Apple iPhone 13 Midnight", Price: "$399.00"},
	}}
	return ebay, amazon
}

func newTestOrchestrator(a Assistant, opts Options, searchers ...marketplace.Searcher) *Orchestrator {
	o := NewOrchestrator(a, searchers, opts)
	o.now = func() time.Time { return time.Date(2025, time.June, 1, 9, 0, 0, 0, time.UTC) }
	return o
}

func welcomeHistory(o *Orchestrator) []*models.Message {
	return o.HandleTurn(context.Background(), TurnRequest{}).History
}

func TestBootstrapIsFixed(t *testing.T) {
	asst := &scriptedAssistant{}
	o := newTestOrchestrator(asst, Options{})
	first := o.HandleTurn(context.Background(), TurnRequest{})
	second := o.HandleTurn(context.Background(), TurnRequest{})

	for _, res := range []*TurnResult{first, second} {
		if res.Type != TurnQuestion || res.Message != WelcomeMessage {
			t.Fatalf("unexpected bootstrap %+v", res)
		}
		if len(res.History) != 2 || res.History[0].Role != models.RoleSystem || res.History[1].Content != WelcomeMessage {
			t.Fatalf("unexpected bootstrap history %+v", res.History)
		}
	}
	if first.History[0].Content != second.History[0].Content {
		t.Fatalf("bootstrap system prompt changed between calls")
	}
	if !strings.Contains(first.History[0].Content, "Today's date is June 01, 2025.") {
		t.Fatalf("system prompt missing date: %s", first.History[0].Content)
	}
	if asst.calls() != 0 {
		t.Fatalf("bootstrap must not call the model")
	}
}

func TestClarifyingQuestion(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"What storage size do you need?"}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "I want an iPhone", History: welcomeHistory(o)})
	if res.Type != TurnQuestion || res.Message != "What storage size do you need?" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.History) != 4 || res.History[2].Content != "I want an iPhone" || res.History[3].Role != models.RoleAssistant {
		t.Fatalf("unexpected history %+v", res.History)
	}
	if len(ebay.searched()) != 0 {
		t.Fatalf("question turn must not search")
	}
}

func TestEndToEndResults(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"FINAL_QUERY: iPhone 13 128GB used"}}
	verifier := &fakeVerifier{result: models.Verification{Exists: true, Confidence: models.ConfidenceHigh, ReleaseStatus: models.ReleaseAvailable}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{Verifier: verifier}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{
		Message: "I want a used iPhone 13, 128GB, under $400",
		History: welcomeHistory(o),
	})
	if res.Type != TurnResults {
		t.Fatalf("expected results, got %+v", res)
	}
	if len(res.Results["ebay"]) != 2 || len(res.Results["amazon"]) != 3 {
		t.Fatalf("unexpected result counts %+v", res.Results)
	}
	if !strings.Contains(res.Message, "iPhone 13 128GB used") || !strings.Contains(res.Message, "both eBay and Amazon") {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if len(verifier.queries) != 1 || verifier.queries[0] != "iPhone 13 128GB" {
		t.Fatalf("verifier should get the stripped query, got %v", verifier.queries)
	}
	if got := ebay.searched(); len(got) != 1 || got[0] != "iPhone 13 128GB used" {
		t.Fatalf("search should use the original query, got %v", got)
	}
	last := res.History[len(res.History)-1]
	if last.Content != "FINAL_QUERY: iPhone 13 128GB used" || last.Results.Total() != 5 {
		t.Fatalf("results not attached to the final turn: %+v", last)
	}
}

func TestLenientMarkerParse(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"Sure, let's go. FINAL_QUERY: iPhone 15 Pro Max 256GB new"}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "256GB new", History: welcomeHistory(o)})
	if res.Type != TurnResults {
		t.Fatalf("expected results, got %+v", res)
	}
	if got := amazon.searched(); len(got) != 1 || got[0] != "iPhone 15 Pro Max 256GB new" {
		t.Fatalf("unexpected query %v", got)
	}
}

func TestVerificationQuery(t *testing.T) {
	cases := map[string]string{
		"iPhone 15 Pro Max Blue New":         "iPhone 15 Pro Max",
		"Galaxy S24 Ultra 512GB refurbished": "Galaxy S24 Ultra 512GB",
		"pre-owned  MacBook Air M2 midnight": "MacBook Air M2",
		"Blue":                               "Blue",
	}
	for in, want := range cases {
		if got := VerificationQuery(in); got != want {
			t.Fatalf("VerificationQuery(%q) = %q want %q", in, got, want)
		}
	}
}

func TestGatingBlocksConfidentNegative(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"FINAL_QUERY: iPhone 18 Pro"}}
	verifier := &fakeVerifier{result: models.Verification{
		Exists:        false,
		Info:          "It is expected in September 2026.",
		Confidence:    models.ConfidenceHigh,
		ReleaseStatus: models.ReleaseUpcoming,
	}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{Verifier: verifier}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "iPhone 18 Pro", History: welcomeHistory(o)})
	if res.Type != TurnQuestion || !strings.Contains(res.Message, "hasn't been released yet") {
		t.Fatalf("expected rejection question, got %+v", res)
	}
	if res.PendingQuery != "iPhone 18 Pro" || res.Verification == nil {
		t.Fatalf("rejected query should be kept: %+v", res)
	}
	if len(ebay.searched())+len(amazon.searched()) != 0 {
		t.Fatalf("gated turn must not search")
	}
	if last := res.History[len(res.History)-1]; last.Content != res.Message {
		t.Fatalf("rejection should replace the marker turn, got %q", last.Content)
	}
}

func TestRejectionMessages(t *testing.T) {
	rumored := RejectionMessage("Pixel Fold 3", models.Verification{ReleaseStatus: models.ReleaseRumored, Info: "Leaks only."})
	if rumored != "The 'Pixel Fold 3' is only rumored. Leaks only. Would you like to search anyway, or look for something else?" {
		t.Fatalf("unexpected rumored message %q", rumored)
	}
	unknown := RejectionMessage("Widget X", models.Verification{ReleaseStatus: models.ReleaseUnknown, Info: "Nothing found."})
	if !strings.HasPrefix(unknown, "I couldn't find reliable information about 'Widget X'.") {
		t.Fatalf("unexpected unknown message %q", unknown)
	}
}

func TestLowConfidenceDoesNotGate(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"FINAL_QUERY: Nothing Phone 3"}}
	verifier := &fakeVerifier{result: models.Verification{Exists: false, Confidence: models.ConfidenceLow, ReleaseStatus: models.ReleaseUnknown}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{Verifier: verifier}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "Nothing Phone 3", History: welcomeHistory(o)})
	if res.Type != TurnResults {
		t.Fatalf("low confidence must not gate, got %+v", res)
	}
}

type brokenSearch struct{}

func (brokenSearch) Search(ctx context.Context, query string, num int) (*models.WebResults, error) {
	return nil, errors.New("search backend unreachable")
}

type unusedCompleter struct{}

func (unusedCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", errors.New("should not be called")
}

func TestVerificationFailureFailsOpen(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"FINAL_QUERY: Steam Deck OLED 1TB"}}
	ebay, amazon := newSearchers()
	verifier := research.NewVerifier(brokenSearch{}, unusedCompleter{}, time.Second)
	o := newTestOrchestrator(asst, Options{Verifier: verifier}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "steam deck", History: welcomeHistory(o)})
	if res.Type != TurnResults {
		t.Fatalf("verification failure should proceed to search, got %+v", res)
	}
	if len(ebay.searched()) != 1 || len(amazon.searched()) != 1 {
		t.Fatalf("both marketplaces should be searched")
	}
}

func TestPartialAdapterFailure(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"FINAL_QUERY: iPhone 13 128GB used"}}
	ebay, amazon := newSearchers()
	amazon.err = errors.New("rainforest 503")
	o := newTestOrchestrator(asst, Options{}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{Message: "iphone 13", History: welcomeHistory(o)})
	if res.Type != TurnResults {
		t.Fatalf("expected results despite failure, got %+v", res)
	}
	if len(res.Results["ebay"]) != 2 {
		t.Fatalf("ebay results lost: %+v", res.Results)
	}
	if items, ok := res.Results["amazon"]; !ok || len(items) != 0 {
		t.Fatalf("failed source should be an empty list, got %#v", items)
	}
}

func TestLLMFailureReturnsApology(t *testing.T) {
	asst := &scriptedAssistant{err: errors.New("openrouter 502")}
	store := newMemStore()
	o := newTestOrchestrator(asst, Options{Store: store})

	res := o.HandleTurn(context.Background(), TurnRequest{UserID: 7, Message: "I want shoes"})
	if res.Type != TurnQuestion || res.Message != ApologyMessage {
		t.Fatalf("expected apology, got %+v", res)
	}
	for _, msg := range res.History {
		if msg.Role == models.RoleUser {
			t.Fatalf("failed user turn must not be in history: %+v", res.History)
		}
	}
	if res.ConversationID != 0 || store.conversationCount() != 0 {
		t.Fatalf("failed turn left a conversation behind: id=%d count=%d", res.ConversationID, store.conversationCount())
	}
}

func TestPersistedTurnStoresMemoryAndTitle(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"Which storage size?", "FINAL_QUERY: iPhone 13 128GB used"}}
	store := newMemStore()
	memory := &recordingMemory{context: "Based on your search history, you've looked for:\n- Galaxy S21"}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{Store: store, Memory: memory, Titler: fixedTitler{}}, ebay, amazon)
	ctx := context.Background()

	first := o.HandleTurn(ctx, TurnRequest{UserID: 7, Message: "used iPhone 13"})
	if first.Type != TurnQuestion || first.ConversationID == 0 {
		t.Fatalf("unexpected first turn %+v", first)
	}
	if !strings.Contains(first.History[0].Content, "- Galaxy S21") {
		t.Fatalf("memory context not injected: %s", first.History[0].Content)
	}
	o.Wait()

	second := o.HandleTurn(ctx, TurnRequest{UserID: 7, ConversationID: first.ConversationID, Message: "128GB"})
	if second.Type != TurnResults {
		t.Fatalf("unexpected second turn %+v", second)
	}
	o.Wait()

	seen := asst.histories[1]
	if len(seen) != 4 || seen[0].Role != models.RoleSystem || seen[1].Content != "used iPhone 13" || seen[3].Content != "128GB" {
		t.Fatalf("stored history not reloaded: %+v", seen)
	}

	stored := store.stored(first.ConversationID)
	if len(stored) != 4 {
		t.Fatalf("expected 4 stored turns, got %d", len(stored))
	}
	if stored[3].Results.Total() != 5 {
		t.Fatalf("results not persisted with final turn: %+v", stored[3])
	}
	for _, msg := range second.History[1:] {
		if msg.ID == 0 {
			t.Fatalf("returned history should carry stored ids: %+v", msg)
		}
	}

	memory.mu.Lock()
	got := append([]string(nil), memory.stored...)
	memory.mu.Unlock()
	want := []string{
		"assistant:Which storage size?",
		"user:used iPhone 13",
		"assistant:FINAL_QUERY: iPhone 13 128GB used",
		"user:128GB",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("memory order mismatch:\n got %v\nwant %v", got, want)
	}

	store.mu.Lock()
	title := store.titles[first.ConversationID]
	store.mu.Unlock()
	if title != "iPhone 13 hunt" {
		t.Fatalf("title not updated: %q", title)
	}
}

func TestPersistFailureIsError(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"Which color?"}}
	store := newMemStore()
	store.appendErr = errors.New("disk full")
	o := newTestOrchestrator(asst, Options{Store: store})

	res := o.HandleTurn(context.Background(), TurnRequest{UserID: 3, Message: "a laptop"})
	if res.Type != TurnError {
		t.Fatalf("expected error result, got %+v", res)
	}
	for _, msg := range res.History {
		if msg.Role != models.RoleSystem {
			t.Fatalf("unsaved turns returned in history: %+v", res.History)
		}
	}
}

func TestPartialPersistFailureStoresNothing(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"Which storage size?", "Which color?"}}
	store := newMemStore()
	o := newTestOrchestrator(asst, Options{Store: store})
	ctx := context.Background()

	first := o.HandleTurn(ctx, TurnRequest{UserID: 3, Message: "iPhone 13"})
	if first.Type != TurnQuestion {
		t.Fatalf("unexpected first turn %+v", first)
	}

	store.mu.Lock()
	store.failAt = 2
	store.mu.Unlock()
	res := o.HandleTurn(ctx, TurnRequest{UserID: 3, ConversationID: first.ConversationID, Message: "128GB"})
	if res.Type != TurnError || res.ConversationID != first.ConversationID {
		t.Fatalf("expected error on the existing conversation, got %+v", res)
	}
	stored := store.stored(first.ConversationID)
	if len(stored) != 2 {
		t.Fatalf("failed turn left %d extra stored turn(s): %+v", len(stored)-2, stored)
	}
	for _, msg := range stored {
		if msg.Content == "128GB" {
			t.Fatalf("user turn of a failed write was kept: %+v", stored)
		}
	}
}

func TestNewConversationRemovedWhenPersistFails(t *testing.T) {
	asst := &scriptedAssistant{replies: []string{"Which storage size?"}}
	store := newMemStore()
	store.failAt = 2
	o := newTestOrchestrator(asst, Options{Store: store, Titler: fixedTitler{}})

	res := o.HandleTurn(context.Background(), TurnRequest{UserID: 3, Message: "iPhone 13"})
	o.Wait()
	if res.Type != TurnError || res.ConversationID != 0 {
		t.Fatalf("expected error without a conversation, got %+v", res)
	}
	if n := store.conversationCount(); n != 0 {
		t.Fatalf("empty conversation left behind: %d", n)
	}
}

func TestForeignConversationNotFound(t *testing.T) {
	store := newMemStore()
	conv, _ := store.CreateConversation(context.Background(), 1, "mine")
	o := newTestOrchestrator(&scriptedAssistant{}, Options{Store: store})

	res := o.HandleTurn(context.Background(), TurnRequest{UserID: 2, ConversationID: conv.ID, Message: "hi"})
	if res.Type != TurnError || res.Message != notFoundMessage {
		t.Fatalf("expected not found, got %+v", res)
	}
}

func TestOverrideSkipsModelAndVerification(t *testing.T) {
	asst := &scriptedAssistant{}
	verifier := &fakeVerifier{result: models.Verification{Exists: false, Confidence: models.ConfidenceHigh}}
	ebay, amazon := newSearchers()
	o := newTestOrchestrator(asst, Options{Verifier: verifier}, ebay, amazon)

	res := o.HandleTurn(context.Background(), TurnRequest{OverrideQuery: "iPhone 18 Pro", History: welcomeHistory(o)})
	if res.Type != TurnResults {
		t.Fatalf("expected results, got %+v", res)
	}
	if asst.calls() != 0 || len(verifier.queries) != 0 {
		t.Fatalf("override must skip the model and verification")
	}
	if got := ebay.searched(); len(got) != 1 || got[0] != "iPhone 18 Pro" {
		t.Fatalf("unexpected search %v", got)
	}
	if user := res.History[len(res.History)-2]; user.Role != models.RoleUser || !strings.Contains(user.Content, "iPhone 18 Pro") {
		t.Fatalf("override user turn missing: %+v", user)
	}
}

func TestEmptyMessageWithHistory(t *testing.T) {
	o := newTestOrchestrator(&scriptedAssistant{}, Options{})
	history := welcomeHistory(o)
	res := o.HandleTurn(context.Background(), TurnRequest{Message: "   ", History: history})
	if res.Type != TurnError || len(res.History) != len(history) {
		t.Fatalf("unexpected result %+v", res)
	}
}
