package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"listy/api/internal/auth"
	"listy/api/internal/config"
	"listy/api/internal/list"
	"listy/api/internal/store"
)

type refreshRecord struct {
	user      store.User
	expiresAt time.Time
}

type fakeStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	lists      map[string]store.List
	editors    map[string][]string
	upvotes    map[string][]string
	messages   map[string][]store.Message
	refresh    map[string]refreshRecord
	revokedJTI map[string]bool
	pingErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      make(map[string]store.User),
		lists:      make(map[string]store.List),
		editors:    make(map[string][]string),
		upvotes:    make(map[string][]string),
		messages:   make(map[string][]store.Message),
		refresh:    make(map[string]refreshRecord),
		revokedJTI: make(map[string]bool),
	}
}

func (f *fakeStore) addUser(id, email, name string) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: id, Email: email, Name: name, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.users[id] = user
	return user
}

func (f *fakeStore) addList(l store.List) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.Tags == nil {
		l.Tags = []string{}
	}
	l.CreatedAt = time.Now()
	l.UpdatedAt = time.Now()
	f.lists[l.ID] = l
}

func (f *fakeStore) EnsureGoogleUser(_ context.Context, id, googleID, email, name, picture string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			user.GoogleID = googleID
			user.Name = name
			user.Picture = picture
			f.users[user.ID] = user
			return user, nil
		}
	}
	user := store.User{ID: id, GoogleID: googleID, Email: email, Name: name, Picture: picture, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.users[id] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTI[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTI[jti], nil
}

func (f *fakeStore) CreateList(_ context.Context, l store.List) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l.CreatedAt = time.Now()
	l.UpdatedAt = time.Now()
	f.lists[l.ID] = l
	return nil
}

func (f *fakeStore) GetList(_ context.Context, listID string) (store.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return store.List{}, sql.ErrNoRows
	}
	return l, nil
}

func (f *fakeStore) GetListAccessInfo(_ context.Context, listID string) (store.ListAccess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return store.ListAccess{}, sql.ErrNoRows
	}
	editors := append([]string(nil), f.editors[listID]...)
	return store.ListAccess{IsPublic: l.IsPublic, OwnerID: l.OwnerID, EditorIDs: editors}, nil
}

func (f *fakeStore) GetListItems(_ context.Context, listID string) ([]store.ListItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return append([]store.ListItem(nil), l.Items...), nil
}

func (f *fakeStore) ReplaceListItems(_ context.Context, listID string, items []store.ListItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return sql.ErrNoRows
	}
	l.Items = items
	l.UpdatedAt = time.Now()
	f.lists[listID] = l
	return nil
}

func (f *fakeStore) UpdateListMeta(_ context.Context, listID, title, description string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return sql.ErrNoRows
	}
	l.Title = title
	l.Description = description
	l.Tags = tags
	l.UpdatedAt = time.Now()
	f.lists[listID] = l
	return nil
}

func (f *fakeStore) SetListVisibility(_ context.Context, listID string, isPublic bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[listID]
	if !ok {
		return sql.ErrNoRows
	}
	l.IsPublic = isPublic
	f.lists[listID] = l
	return nil
}

func (f *fakeStore) DeleteList(_ context.Context, listID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, listID)
	delete(f.editors, listID)
	delete(f.upvotes, listID)
	delete(f.messages, listID)
	return nil
}

func (f *fakeStore) ListsByOwner(_ context.Context, ownerID string) ([]store.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.List
	for _, l := range f.lists {
		if l.OwnerID == ownerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) ListsUpvotedBy(_ context.Context, userID string) ([]store.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.List
	for listID, voters := range f.upvotes {
		for _, voter := range voters {
			if voter == userID {
				if l, ok := f.lists[listID]; ok {
					out = append(out, l)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) PublicLists(_ context.Context, searchText string, limit, offset int) ([]store.List, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	needle := strings.ToLower(searchText)
	var matched []store.List
	for _, l := range f.lists {
		if !l.IsPublic {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(l.Title), needle) &&
			!strings.Contains(strings.ToLower(l.Description), needle) {
			continue
		}
		matched = append(matched, l)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (f *fakeStore) AddEditor(_ context.Context, listID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.editors[listID] {
		if id == userID {
			return nil
		}
	}
	f.editors[listID] = append(f.editors[listID], userID)
	return nil
}

func (f *fakeStore) ListEditors(_ context.Context, listID string) ([]store.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries(f.editors[listID]), nil
}

func (f *fakeStore) ToggleUpvote(_ context.Context, listID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	voters := f.upvotes[listID]
	for i, voter := range voters {
		if voter == userID {
			f.upvotes[listID] = append(voters[:i], voters[i+1:]...)
			return false, nil
		}
	}
	f.upvotes[listID] = append(voters, userID)
	return true, nil
}

func (f *fakeStore) ListUpvoters(_ context.Context, listID string) ([]store.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries(f.upvotes[listID]), nil
}

func (f *fakeStore) InsertMessage(_ context.Context, message store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[message.ListID]; !ok {
		return sql.ErrNoRows
	}
	f.messages[message.ListID] = append(f.messages[message.ListID], message)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, listID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	messages := f.messages[listID]
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]store.Message(nil), messages...), nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	return f.pingErr
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshRecord{user: user, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	return record.user, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) summaries(ids []string) []store.UserSummary {
	out := make([]store.UserSummary, 0, len(ids))
	for _, id := range ids {
		user := f.users[id]
		out = append(out, store.UserSummary{ID: user.ID, Name: user.Name, Picture: user.Picture})
	}
	return out
}

type fakeVerifier struct {
	identity auth.GoogleIdentity
	err      error
}

func (f fakeVerifier) Verify(_ context.Context, _ string) (auth.GoogleIdentity, error) {
	if f.err != nil {
		return auth.GoogleIdentity{}, f.err
	}
	return f.identity, nil
}

type fakeGenerator struct {
	items []store.ListItem
	err   error
}

func (f fakeGenerator) GenerateItems(_ context.Context, _ string) ([]store.ListItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Broadcast(listID string, eventType string, _ any) {
	n.mu.Lock()
	n.events = append(n.events, listID+":"+eventType)
	n.mu.Unlock()
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
}

func newTestService(fake *fakeStore) *Service {
	svc := &Service{
		cfg:       testConfig(),
		store:     fake,
		sessions:  fake,
		listLocks: make(map[string]*sync.Mutex),
	}
	return svc
}

func sessionFor(t *testing.T, svc *Service, fake *fakeStore, userID string) Session {
	t.Helper()
	user, err := fake.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("user %s not seeded: %v", userID, err)
	}
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func TestLoginWithGoogleCreatesUserAndSession(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake).WithGoogleVerifier(fakeVerifier{
		identity: auth.GoogleIdentity{GoogleID: "g-1", Email: "ada@example.com", Name: "Ada", Picture: "http://p/ada.png"},
	})

	session, err := svc.LoginWithGoogle(context.Background(), "google-id-token")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if session.Email != "ada@example.com" || session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("incomplete session: %+v", session)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != session.UserID || parsed.Name != "Ada" {
		t.Fatalf("unexpected parsed session: %+v", parsed)
	}
}

func TestLoginWithGoogleIsIdempotentPerEmail(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake).WithGoogleVerifier(fakeVerifier{
		identity: auth.GoogleIdentity{GoogleID: "g-1", Email: "ada@example.com", Name: "Ada"},
	})

	first, err := svc.LoginWithGoogle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("first login: %v", err)
	}
	second, err := svc.LoginWithGoogle(context.Background(), "tok")
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if first.UserID != second.UserID {
		t.Fatalf("expected same user across logins, got %s vs %s", first.UserID, second.UserID)
	}
}

func TestLoginWithGoogleRejectsBadToken(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake).WithGoogleVerifier(fakeVerifier{err: auth.ErrGoogleTokenInvalid})

	_, err := svc.LoginWithGoogle(context.Background(), "bad")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 401 {
		t.Fatalf("expected 401 domain error, got %v", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	next, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	// The old refresh token is single-use.
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected error reusing rotated refresh token")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}

	if _, err := svc.SessionFromToken(context.Background(), session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatal("expected revoked refresh token to fail")
	}
}

func TestGenerateListStoresItems(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	notifier := &recordingNotifier{}
	svc := newTestService(fake).
		WithGenerator(fakeGenerator{items: []store.ListItem{
			{ID: "i1", Content: "Pack tent", CompletedBy: []string{}},
			{ID: "i2", Content: "Buy food", CompletedBy: []string{}},
		}}).
		WithRooms(notifier)
	session := sessionFor(t, svc, fake, "u1")

	payload, err := svc.GenerateList(context.Background(), session, "Camping", "weekend camping trip", true)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if payload["title"] != "Camping" || payload["description"] != "weekend camping trip" {
		t.Fatalf("unexpected payload: %v", payload)
	}

	lists, _ := fake.ListsByOwner(context.Background(), "u1")
	if len(lists) != 1 || len(lists[0].Items) != 2 {
		t.Fatalf("list not stored with items: %+v", lists)
	}
}

func TestGenerateListRequiresTitleAndPrompt(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	svc := newTestService(fake).WithGenerator(fakeGenerator{})
	session := sessionFor(t, svc, fake, "u1")

	_, err := svc.GenerateList(context.Background(), session, "", "prompt", false)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestToggleItemProjectsForCaller(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addList(store.List{
		ID: "l1", Title: "Trip", OwnerID: "u1", IsPublic: true,
		Items: []store.ListItem{{ID: "i1", Content: "Pack", CompletedBy: []string{}}},
	})
	notifier := &recordingNotifier{}
	svc := newTestService(fake).WithRooms(notifier)
	ada := sessionFor(t, svc, fake, "u1")
	ben := sessionFor(t, svc, fake, "u2")

	payload, err := svc.ToggleItem(context.Background(), ada, "l1", "i1")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	items := payload["items"].([]list.ItemView)
	if !items[0].IsCompleted {
		t.Fatal("expected item complete for toggling caller")
	}

	// The same stored state reads as incomplete for another viewer.
	benView, err := svc.GetListForViewer(context.Background(), ben, "l1")
	if err != nil {
		t.Fatalf("get list: %v", err)
	}
	benItems := benView["items"].([]list.ItemView)
	if benItems[0].IsCompleted {
		t.Fatal("completion must not leak across viewers")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.events) == 0 || notifier.events[0] != "l1:list.updated" {
		t.Fatalf("expected list.updated broadcast, got %v", notifier.events)
	}
}

func TestToggleItemUnknownItem(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addList(store.List{ID: "l1", OwnerID: "u1", Items: []store.ListItem{}})
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	_, err := svc.ToggleItem(context.Background(), session, "l1", "nope")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestToggleItemCorruptListLeavesStateUntouched(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	corrupted := []store.ListItem{
		{ID: "i1", Content: "a", CompletedBy: []string{}},
		{ID: "i1", Content: "b", CompletedBy: []string{}},
	}
	fake.addList(store.List{ID: "l1", OwnerID: "u1", Items: corrupted})
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	_, err := svc.ToggleItem(context.Background(), session, "l1", "i1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "INVARIANT_VIOLATION" {
		t.Fatalf("expected invariant violation, got %v", err)
	}

	stored, _ := fake.GetListItems(context.Background(), "l1")
	if len(stored) != 2 || len(stored[0].CompletedBy) != 0 {
		t.Fatalf("state changed despite abandoned toggle: %+v", stored)
	}
}

func TestPrivateListHiddenFromStrangers(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addList(store.List{ID: "l1", OwnerID: "u1", IsPublic: false})
	svc := newTestService(fake)
	ben := sessionFor(t, svc, fake, "u2")

	_, err := svc.GetListForViewer(context.Background(), ben, "l1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403, got %v", err)
	}
}

func TestEditorCanViewAndUpdatePrivateList(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addList(store.List{ID: "l1", Title: "Old", OwnerID: "u1", IsPublic: false})
	_ = fake.AddEditor(context.Background(), "l1", "u2")
	svc := newTestService(fake)
	ben := sessionFor(t, svc, fake, "u2")

	if _, err := svc.GetListForViewer(context.Background(), ben, "l1"); err != nil {
		t.Fatalf("editor view: %v", err)
	}

	title := "New"
	payload, err := svc.UpdateList(context.Background(), ben, "l1", UpdateListInput{Title: &title})
	if err != nil {
		t.Fatalf("editor update: %v", err)
	}
	if payload["title"] != "New" {
		t.Fatalf("title not updated: %v", payload["title"])
	}
}

func TestAddEditorOwnerOnly(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addUser("u3", "cal@example.com", "Cal")
	fake.addList(store.List{ID: "l1", OwnerID: "u1", IsPublic: true})
	svc := newTestService(fake)
	ben := sessionFor(t, svc, fake, "u2")
	ada := sessionFor(t, svc, fake, "u1")

	_, err := svc.AddEditor(context.Background(), ben, "l1", "cal@example.com")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for non-owner, got %v", err)
	}

	payload, err := svc.AddEditor(context.Background(), ada, "l1", "cal@example.com")
	if err != nil {
		t.Fatalf("owner add editor: %v", err)
	}
	editors := payload["editors"].([]store.UserSummary)
	if len(editors) != 1 || editors[0].ID != "u3" {
		t.Fatalf("unexpected editors: %+v", editors)
	}
}

func TestAddEditorUnknownEmail(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addList(store.List{ID: "l1", OwnerID: "u1"})
	svc := newTestService(fake)
	ada := sessionFor(t, svc, fake, "u1")

	_, err := svc.AddEditor(context.Background(), ada, "l1", "ghost@example.com")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "USER_NOT_FOUND" {
		t.Fatalf("expected USER_NOT_FOUND, got %v", err)
	}
}

func TestUpvoteNotOnOwnList(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addList(store.List{ID: "l1", OwnerID: "u1", IsPublic: true})
	svc := newTestService(fake)
	ada := sessionFor(t, svc, fake, "u1")
	ben := sessionFor(t, svc, fake, "u2")

	_, err := svc.ToggleUpvote(context.Background(), ada, "l1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for self-upvote, got %v", err)
	}

	payload, err := svc.ToggleUpvote(context.Background(), ben, "l1")
	if err != nil {
		t.Fatalf("upvote: %v", err)
	}
	if payload["upvoted"] != true {
		t.Fatalf("expected upvoted=true, got %v", payload["upvoted"])
	}

	payload, err = svc.ToggleUpvote(context.Background(), ben, "l1")
	if err != nil {
		t.Fatalf("second upvote: %v", err)
	}
	if payload["upvoted"] != false {
		t.Fatalf("expected upvote removed, got %v", payload["upvoted"])
	}
}

func TestVisibilityOwnerOnly(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addUser("u2", "ben@example.com", "Ben")
	fake.addList(store.List{ID: "l1", OwnerID: "u1", IsPublic: false})
	_ = fake.AddEditor(context.Background(), "l1", "u2")
	svc := newTestService(fake)
	ben := sessionFor(t, svc, fake, "u2")
	ada := sessionFor(t, svc, fake, "u1")

	_, err := svc.SetVisibility(context.Background(), ben, "l1", true)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("expected 403 for editor, got %v", err)
	}

	payload, err := svc.SetVisibility(context.Background(), ada, "l1", true)
	if err != nil {
		t.Fatalf("owner visibility: %v", err)
	}
	if payload["isPublic"] != true {
		t.Fatalf("expected isPublic=true, got %v", payload["isPublic"])
	}
}

func TestPublicListsSearchAndPagination(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addList(store.List{ID: "l1", Title: "Camping gear", OwnerID: "u1", IsPublic: true})
	fake.addList(store.List{ID: "l2", Title: "Groceries", OwnerID: "u1", IsPublic: true})
	fake.addList(store.List{ID: "l3", Title: "Secret camping plan", OwnerID: "u1", IsPublic: false})
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	payload, err := svc.PublicLists(context.Background(), session, "camping", 1, 20)
	if err != nil {
		t.Fatalf("public lists: %v", err)
	}
	lists := payload["lists"].([]map[string]any)
	if len(lists) != 1 || lists[0]["id"] != "l1" {
		t.Fatalf("expected only public camping list, got %v", lists)
	}
	if payload["total"] != 1 {
		t.Fatalf("expected total 1, got %v", payload["total"])
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	fake.addList(store.List{ID: "l1", OwnerID: "u1"})
	svc := newTestService(fake)
	session := sessionFor(t, svc, fake, "u1")

	posted, err := svc.PostMessage(context.Background(), session, "l1", "hello room")
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if posted["content"] != "hello room" {
		t.Fatalf("unexpected message payload: %v", posted)
	}

	messages, err := svc.Messages(context.Background(), session, "l1", 50)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 || messages[0]["content"] != "hello room" {
		t.Fatalf("unexpected messages: %v", messages)
	}
}

func TestConcurrentTogglesSerialize(t *testing.T) {
	fake := newFakeStore()
	fake.addUser("u1", "ada@example.com", "Ada")
	users := []string{"u1"}
	for i := 2; i <= 9; i++ {
		id := fmt.Sprintf("u%d", i)
		fake.addUser(id, id+"@example.com", "User "+id)
		users = append(users, id)
	}
	fake.addList(store.List{
		ID: "l1", OwnerID: "u1", IsPublic: true,
		Items: []store.ListItem{{ID: "i1", Content: "Pack", CompletedBy: []string{}}},
	})
	svc := newTestService(fake)

	var wg sync.WaitGroup
	for _, userID := range users {
		session := sessionFor(t, svc, fake, userID)
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			if _, err := svc.ToggleItem(context.Background(), s, "l1", "i1"); err != nil {
				t.Errorf("toggle: %v", err)
			}
		}(session)
	}
	wg.Wait()

	items, _ := fake.GetListItems(context.Background(), "l1")
	if len(items[0].CompletedBy) != len(users) {
		t.Fatalf("lost toggles: expected %d completers, got %v", len(users), items[0].CompletedBy)
	}
}
