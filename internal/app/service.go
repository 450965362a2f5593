package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"listy/api/internal/auth"
	"listy/api/internal/config"
	"listy/api/internal/genai"
	"listy/api/internal/list"
	"listy/api/internal/search"
	"listy/api/internal/store"
	"listy/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	Name         string
	Picture      string
	JTI          string
	ExpiresAt    time.Time
}

type UpdateListInput struct {
	Title       *string  `json:"title"`
	Description *string  `json:"description"`
	Tags        []string `json:"tags"`
}

type dataStore interface {
	EnsureGoogleUser(ctx context.Context, id, googleID, email, name, picture string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	CreateList(ctx context.Context, l store.List) error
	GetList(ctx context.Context, listID string) (store.List, error)
	GetListAccessInfo(ctx context.Context, listID string) (store.ListAccess, error)
	GetListItems(ctx context.Context, listID string) ([]store.ListItem, error)
	ReplaceListItems(ctx context.Context, listID string, items []store.ListItem) error
	UpdateListMeta(ctx context.Context, listID, title, description string, tags []string) error
	SetListVisibility(ctx context.Context, listID string, isPublic bool) error
	DeleteList(ctx context.Context, listID string) error
	ListsByOwner(ctx context.Context, ownerID string) ([]store.List, error)
	ListsUpvotedBy(ctx context.Context, userID string) ([]store.List, error)
	PublicLists(ctx context.Context, searchText string, limit, offset int) ([]store.List, int, error)
	AddEditor(ctx context.Context, listID, userID string) error
	ListEditors(ctx context.Context, listID string) ([]store.UserSummary, error)
	ToggleUpvote(ctx context.Context, listID, userID string) (bool, error)
	ListUpvoters(ctx context.Context, listID string) ([]store.UserSummary, error)
	InsertMessage(ctx context.Context, message store.Message) error
	ListMessages(ctx context.Context, listID string, limit int) ([]store.Message, error)
	Ping(ctx context.Context) error
}

// refreshStore is satisfied by both the Redis session store and the
// Postgres store, whichever the deployment wires in.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexList(record search.ListRecord)
	DeleteList(id string)
}

type itemGenerator interface {
	GenerateItems(ctx context.Context, prompt string) ([]store.ListItem, error)
}

// roomNotifier pushes change events into the live room of a list.
type roomNotifier interface {
	Broadcast(listID string, eventType string, payload any)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	google   auth.GoogleVerifier
	genai    itemGenerator
	search   searchIndex
	rooms    roomNotifier

	// Per-list locks serialize the read-toggle-write cycle so two
	// concurrent toggles cannot overwrite each other's item state.
	locksMu   sync.Mutex
	listLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  dataStore,
		listLocks: make(map[string]*sync.Mutex),
	}
}

// WithSessions swaps in the refresh token backend, typically Redis.
func (s *Service) WithSessions(sessions refreshStore) *Service {
	s.sessions = sessions
	return s
}

func (s *Service) WithGoogleVerifier(verifier auth.GoogleVerifier) *Service {
	s.google = verifier
	return s
}

func (s *Service) WithGenerator(generator itemGenerator) *Service {
	s.genai = generator
	return s
}

func (s *Service) WithSearch(index searchIndex) *Service {
	s.search = index
	return s
}

func (s *Service) WithRooms(rooms roomNotifier) *Service {
	s.rooms = rooms
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// LoginWithGoogle verifies a Google ID token and issues our own session
// for the matching user, creating the account on first sign-in.
func (s *Service) LoginWithGoogle(ctx context.Context, idToken string) (Session, error) {
	if s.google == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Google sign-in is not configured", nil)
	}
	identity, err := s.google.Verify(ctx, idToken)
	if err != nil {
		if errors.Is(err, auth.ErrGoogleTokenInvalid) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid Google token", nil)
		}
		return Session{}, fmt.Errorf("verify google token: %w", err)
	}

	user, err := s.store.EnsureGoogleUser(ctx, uuid.NewString(), identity.GoogleID, identity.Email, identity.Name, identity.Picture)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented token is revoked and a
// new pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, user.Name, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		Name:         user.Name,
		Picture:      user.Picture,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Picture:   user.Picture,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Profile returns the caller's account plus their owned and upvoted lists.
func (s *Service) Profile(ctx context.Context, session Session) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	owned, err := s.MyLists(ctx, session)
	if err != nil {
		return nil, err
	}
	upvoted, err := s.UpvotedLists(ctx, session)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":           user.ID,
		"email":        user.Email,
		"name":         user.Name,
		"picture":      user.Picture,
		"lists":        owned,
		"upvotedLists": upvoted,
	}, nil
}

// GenerateList asks the model for items and stores the result as a new
// list owned by the caller. The prompt doubles as the description.
func (s *Service) GenerateList(ctx context.Context, session Session, title, prompt string, isPublic bool) (map[string]any, error) {
	title = strings.TrimSpace(title)
	prompt = strings.TrimSpace(prompt)
	if title == "" || prompt == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and prompt are required", nil)
	}
	if s.genai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", "List generation is not configured", nil)
	}

	items, err := s.genai.GenerateItems(ctx, prompt)
	if err != nil {
		if errors.Is(err, genai.ErrNotConfigured) {
			return nil, domainError(http.StatusServiceUnavailable, "GENERATION_UNAVAILABLE", "List generation is not configured", nil)
		}
		return nil, domainError(http.StatusBadGateway, "GENERATION_FAILED", "Failed to generate list", err.Error())
	}

	newList := store.List{
		ID:          uuid.NewString(),
		Title:       title,
		Description: prompt,
		Tags:        []string{},
		Items:       items,
		IsPublic:    isPublic,
		OwnerID:     session.UserID,
	}
	if err := s.store.CreateList(ctx, newList); err != nil {
		return nil, err
	}
	s.indexList(newList)

	created, err := s.store.GetList(ctx, newList.ID)
	if err != nil {
		return nil, err
	}
	return s.listPayload(ctx, created, session.UserID)
}

// GetListForViewer returns one list with items projected for the caller.
// Private lists are visible to the owner and editors only.
func (s *Service) GetListForViewer(ctx context.Context, session Session, listID string) (map[string]any, error) {
	l, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if err := s.requireViewer(ctx, listID, session.UserID); err != nil {
		return nil, err
	}

	payload, err := s.listPayload(ctx, l, session.UserID)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, listID, 50)
	if err != nil {
		return nil, err
	}
	messagePayloads := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		messagePayloads = append(messagePayloads, messagePayload(message))
	}
	payload["messages"] = messagePayloads
	return payload, nil
}

func (s *Service) MyLists(ctx context.Context, session Session) ([]map[string]any, error) {
	lists, err := s.store.ListsByOwner(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return s.listPayloads(ctx, lists, session.UserID)
}

func (s *Service) UpvotedLists(ctx context.Context, session Session) ([]map[string]any, error) {
	lists, err := s.store.ListsUpvotedBy(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	return s.listPayloads(ctx, lists, session.UserID)
}

// PublicLists searches the public catalogue. The search index answers when
// one is wired; storage answers directly otherwise.
func (s *Service) PublicLists(ctx context.Context, session Session, searchText string, page, limit int) (map[string]any, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	offset := (page - 1) * limit

	var lists []store.List
	var total int
	if s.search != nil {
		resp := s.search.Search(search.Query{Text: searchText, Limit: limit, Offset: offset})
		total = resp.Total
		lists = make([]store.List, 0, len(resp.Results))
		for _, record := range resp.Results {
			l, err := s.store.GetList(ctx, record.ID)
			if err != nil {
				// Index entries can outlive their list briefly.
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return nil, err
			}
			lists = append(lists, l)
		}
	} else {
		var err error
		lists, total, err = s.store.PublicLists(ctx, searchText, limit, offset)
		if err != nil {
			return nil, err
		}
	}

	payloads, err := s.listPayloads(ctx, lists, session.UserID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"lists": payloads,
		"total": total,
		"page":  page,
		"limit": limit,
	}, nil
}

func (s *Service) UpdateList(ctx context.Context, session Session, listID string, input UpdateListInput) (map[string]any, error) {
	l, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if err := s.requireEditor(ctx, listID, session.UserID); err != nil {
		return nil, err
	}

	title := l.Title
	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title must not be empty", nil)
		}
	}
	description := l.Description
	if input.Description != nil {
		description = strings.TrimSpace(*input.Description)
	}
	tags := l.Tags
	if input.Tags != nil {
		tags = input.Tags
	}

	if err := s.store.UpdateListMeta(ctx, listID, title, description, tags); err != nil {
		return nil, err
	}

	updated, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	s.indexList(updated)
	s.notifyListChanged(listID)
	return s.listPayload(ctx, updated, session.UserID)
}

// SetVisibility flips a list between private and public. Owner only.
func (s *Service) SetVisibility(ctx context.Context, session Session, listID string, isPublic bool) (map[string]any, error) {
	if err := s.requireOwner(ctx, listID, session.UserID); err != nil {
		return nil, err
	}
	if err := s.store.SetListVisibility(ctx, listID, isPublic); err != nil {
		return nil, err
	}

	updated, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	s.indexList(updated)
	s.notifyListChanged(listID)
	return s.listPayload(ctx, updated, session.UserID)
}

func (s *Service) DeleteList(ctx context.Context, session Session, listID string) error {
	if err := s.requireOwner(ctx, listID, session.UserID); err != nil {
		return err
	}
	if err := s.store.DeleteList(ctx, listID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteList(listID)
	}
	return nil
}

// ToggleItem flips the caller's completion mark on one item. The whole
// read-toggle-write cycle runs under the list's lock; a failure leaves the
// stored items untouched.
func (s *Service) ToggleItem(ctx context.Context, session Session, listID, itemID string) (map[string]any, error) {
	if err := s.requireViewer(ctx, listID, session.UserID); err != nil {
		return nil, err
	}

	unlock := s.lockList(listID)
	defer unlock()

	items, err := s.store.GetListItems(ctx, listID)
	if err != nil {
		return nil, err
	}

	toggled, err := list.ToggleCompletion(items, itemID, session.UserID)
	if err != nil {
		switch {
		case errors.Is(err, list.ErrItemNotFound):
			return nil, domainError(http.StatusNotFound, "ITEM_NOT_FOUND", "Item not found", nil)
		case errors.Is(err, list.ErrDuplicateItemID):
			return nil, domainError(http.StatusConflict, "INVARIANT_VIOLATION", "List items are corrupted", nil)
		}
		return nil, err
	}

	if err := s.store.ReplaceListItems(ctx, listID, toggled); err != nil {
		return nil, err
	}

	s.notifyListChanged(listID)

	l, err := s.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	return s.listPayload(ctx, l, session.UserID)
}

// AddEditor grants another user edit access by email. Owner only.
func (s *Service) AddEditor(ctx context.Context, session Session, listID, email string) (map[string]any, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}
	if err := s.requireOwner(ctx, listID, session.UserID); err != nil {
		return nil, err
	}

	editor, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No user with that email", nil)
		}
		return nil, err
	}
	if editor.ID == session.UserID {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Owner is already an editor", nil)
	}

	if err := s.store.AddEditor(ctx, listID, editor.ID); err != nil {
		return nil, err
	}
	s.notifyListChanged(listID)

	editors, err := s.store.ListEditors(ctx, listID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"editors": editors}, nil
}

// ToggleUpvote flips the caller's upvote. Upvoting your own list is not
// allowed.
func (s *Service) ToggleUpvote(ctx context.Context, session Session, listID string) (map[string]any, error) {
	access, err := s.store.GetListAccessInfo(ctx, listID)
	if err != nil {
		return nil, err
	}
	if access.OwnerID == session.UserID {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You cannot upvote your own list", nil)
	}
	if !canView(access, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	upvoted, err := s.store.ToggleUpvote(ctx, listID, session.UserID)
	if err != nil {
		return nil, err
	}
	upvoters, err := s.store.ListUpvoters(ctx, listID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"upvoted":  upvoted,
		"upvoters": upvoters,
	}, nil
}

func (s *Service) Messages(ctx context.Context, session Session, listID string, limit int) ([]map[string]any, error) {
	if err := s.requireViewer(ctx, listID, session.UserID); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	messages, err := s.store.ListMessages(ctx, listID, limit)
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		payloads = append(payloads, messagePayload(message))
	}
	return payloads, nil
}

func (s *Service) PostMessage(ctx context.Context, session Session, listID, content string) (map[string]any, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "content is required", nil)
	}
	if err := s.requireViewer(ctx, listID, session.UserID); err != nil {
		return nil, err
	}

	message, err := s.SaveMessage(ctx, listID, session.UserID, content)
	if err != nil {
		return nil, err
	}
	return messagePayload(message), nil
}

// SaveMessage persists a chat message and returns it with the sender
// summary attached. The websocket layer uses this as its sink.
func (s *Service) SaveMessage(ctx context.Context, listID, senderID, content string) (store.Message, error) {
	sender, err := s.store.GetUserByID(ctx, senderID)
	if err != nil {
		return store.Message{}, err
	}

	message := store.Message{
		ID:        util.NewID("msg"),
		ListID:    listID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
		Sender:    store.UserSummary{ID: sender.ID, Name: sender.Name, Picture: sender.Picture},
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.Message{}, err
	}
	return message, nil
}

func (s *Service) lockList(listID string) func() {
	s.locksMu.Lock()
	mu, ok := s.listLocks[listID]
	if !ok {
		mu = &sync.Mutex{}
		s.listLocks[listID] = mu
	}
	s.locksMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

func (s *Service) requireViewer(ctx context.Context, listID, userID string) error {
	access, err := s.store.GetListAccessInfo(ctx, listID)
	if err != nil {
		return err
	}
	if !canView(access, userID) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

func (s *Service) requireEditor(ctx context.Context, listID, userID string) error {
	access, err := s.store.GetListAccessInfo(ctx, listID)
	if err != nil {
		return err
	}
	if access.OwnerID == userID {
		return nil
	}
	for _, id := range access.EditorIDs {
		if id == userID {
			return nil
		}
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner or an editor can modify this list", nil)
}

func (s *Service) requireOwner(ctx context.Context, listID, userID string) error {
	access, err := s.store.GetListAccessInfo(ctx, listID)
	if err != nil {
		return err
	}
	if access.OwnerID != userID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can do this", nil)
	}
	return nil
}

func canView(access store.ListAccess, userID string) bool {
	if access.IsPublic || access.OwnerID == userID {
		return true
	}
	for _, id := range access.EditorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (s *Service) indexList(l store.List) {
	if s.search == nil {
		return
	}
	s.search.IndexList(search.ListRecord{
		ID:          l.ID,
		Title:       l.Title,
		Description: l.Description,
		Tags:        l.Tags,
		IsPublic:    l.IsPublic,
	})
}

func (s *Service) notifyListChanged(listID string) {
	if s.rooms == nil {
		return
	}
	s.rooms.Broadcast(listID, "list.updated", map[string]string{"listId": listID})
}

// listPayload is the wire shape of a list. Items carry the viewer-scoped
// isCompleted flag; the raw completion sets are included alongside.
func (s *Service) listPayload(ctx context.Context, l store.List, viewerID string) (map[string]any, error) {
	owner, err := s.store.GetUserByID(ctx, l.OwnerID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	upvoters, err := s.store.ListUpvoters(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	editors, err := s.store.ListEditors(ctx, l.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"id":          l.ID,
		"title":       l.Title,
		"description": l.Description,
		"tags":        l.Tags,
		"items":       list.Project(l.Items, viewerID),
		"isPublic":    l.IsPublic,
		"ownerId":     l.OwnerID,
		"owner":       store.UserSummary{ID: owner.ID, Name: owner.Name, Picture: owner.Picture},
		"editors":     editors,
		"upvoters":    upvoters,
		"upvoteCount": len(upvoters),
		"createdAt":   l.CreatedAt,
		"updatedAt":   l.UpdatedAt,
	}, nil
}

func (s *Service) listPayloads(ctx context.Context, lists []store.List, viewerID string) ([]map[string]any, error) {
	payloads := make([]map[string]any, 0, len(lists))
	for _, l := range lists {
		payload, err := s.listPayload(ctx, l, viewerID)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func messagePayload(message store.Message) map[string]any {
	return map[string]any{
		"id":        message.ID,
		"listId":    message.ListID,
		"content":   message.Content,
		"sender":    message.Sender,
		"createdAt": message.CreatedAt,
	}
}
