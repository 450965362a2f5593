package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureGoogleUser upserts a user keyed by email, refreshing the profile
// fields Google returned on this sign-in.
func (s *PostgresStore) EnsureGoogleUser(ctx context.Context, id, googleID, email, name, picture string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, google_id, email, name, picture)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO UPDATE
			SET google_id=EXCLUDED.google_id, name=EXCLUDED.name, picture=EXCLUDED.picture, updated_at=NOW()
		RETURNING id, google_id, email, name, picture, created_at, updated_at
	`, id, googleID, email, name, picture).Scan(
		&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.Picture, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("ensure google user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, google_id, email, name, picture, created_at, updated_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.Picture, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, google_id, email, name, picture, created_at, updated_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.Picture, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.google_id, u.email, u.name, u.picture, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&user.ID, &user.GoogleID, &user.Email, &user.Name, &user.Picture, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreateList(ctx context.Context, list List) error {
	encodedItems, err := encodeItems(list.Items)
	if err != nil {
		return err
	}
	encodedTags, err := json.Marshal(nonNilStrings(list.Tags))
	if err != nil {
		return fmt.Errorf("marshal list tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lists (id, title, description, tags, items, is_public, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, list.ID, list.Title, list.Description, string(encodedTags), string(encodedItems), list.IsPublic, list.OwnerID)
	if err != nil {
		return fmt.Errorf("insert list: %w", err)
	}
	return nil
}

const listColumns = `id, title, description, tags, items, is_public, owner_id, created_at, updated_at`

func (s *PostgresStore) GetList(ctx context.Context, listID string) (List, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+listColumns+` FROM lists WHERE id=$1`, listID)
	return scanList(row)
}

func (s *PostgresStore) GetListAccessInfo(ctx context.Context, listID string) (ListAccess, error) {
	var access ListAccess
	err := s.db.QueryRowContext(ctx, `SELECT is_public, owner_id FROM lists WHERE id=$1`, listID).
		Scan(&access.IsPublic, &access.OwnerID)
	if err != nil {
		return ListAccess{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM list_editors WHERE list_id=$1`, listID)
	if err != nil {
		return ListAccess{}, fmt.Errorf("list editor ids: %w", err)
	}
	defer rows.Close()

	access.EditorIDs = make([]string, 0)
	for rows.Next() {
		var editorID string
		if err := rows.Scan(&editorID); err != nil {
			return ListAccess{}, fmt.Errorf("scan editor id: %w", err)
		}
		access.EditorIDs = append(access.EditorIDs, editorID)
	}
	if err := rows.Err(); err != nil {
		return ListAccess{}, fmt.Errorf("iterate editor ids: %w", err)
	}
	return access, nil
}

func (s *PostgresStore) GetListItems(ctx context.Context, listID string) ([]ListItem, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT items FROM lists WHERE id=$1`, listID).Scan(&raw)
	if err != nil {
		return nil, err
	}
	return decodeItems(raw)
}

// ReplaceListItems persists a complete new item sequence. The caller always
// computes the full sequence; no partial-field updates happen here.
func (s *PostgresStore) ReplaceListItems(ctx context.Context, listID string, items []ListItem) error {
	encoded, err := encodeItems(items)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE lists SET items=$2, updated_at=NOW() WHERE id=$1
	`, listID, string(encoded))
	if err != nil {
		return fmt.Errorf("replace list items: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace list items: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateListMeta(ctx context.Context, listID, title, description string, tags []string) error {
	encodedTags, err := json.Marshal(nonNilStrings(tags))
	if err != nil {
		return fmt.Errorf("marshal list tags: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE lists SET title=$2, description=$3, tags=$4, updated_at=NOW() WHERE id=$1
	`, listID, title, description, string(encodedTags))
	if err != nil {
		return fmt.Errorf("update list: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) SetListVisibility(ctx context.Context, listID string, isPublic bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE lists SET is_public=$2, updated_at=NOW() WHERE id=$1
	`, listID, isPublic)
	if err != nil {
		return fmt.Errorf("set list visibility: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) DeleteList(ctx context.Context, listID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID)
	if err != nil {
		return fmt.Errorf("delete list: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) ListsByOwner(ctx context.Context, ownerID string) ([]List, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+listColumns+` FROM lists WHERE owner_id=$1 ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("lists by owner: %w", err)
	}
	return scanLists(rows)
}

func (s *PostgresStore) ListsUpvotedBy(ctx context.Context, userID string) ([]List, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.title, l.description, l.tags, l.items, l.is_public, l.owner_id, l.created_at, l.updated_at
		FROM lists l
		JOIN list_upvotes uv ON uv.list_id = l.id
		WHERE uv.user_id=$1
		ORDER BY uv.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("upvoted lists: %w", err)
	}
	return scanLists(rows)
}

// PublicLists returns one page of public lists, newest first, with the total
// count for pagination. The optional search term matches title or description.
func (s *PostgresStore) PublicLists(ctx context.Context, search string, limit, offset int) ([]List, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM lists WHERE is_public`
	listQuery := `SELECT ` + listColumns + ` FROM lists WHERE is_public`
	args := []any{}
	if search != "" {
		countQuery += ` AND (title ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%')`
		listQuery += ` AND (title ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%')`
		args = append(args, search)
	}
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count public lists: %w", err)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("public lists: %w", err)
	}
	lists, err := scanLists(rows)
	if err != nil {
		return nil, 0, err
	}
	return lists, total, nil
}

func (s *PostgresStore) AddEditor(ctx context.Context, listID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO list_editors (list_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (list_id, user_id) DO NOTHING
	`, listID, userID)
	if err != nil {
		return fmt.Errorf("add editor: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEditors(ctx context.Context, listID string) ([]UserSummary, error) {
	return s.userSummaries(ctx, `
		SELECT u.id, u.name, u.picture
		FROM list_editors le
		JOIN users u ON u.id = le.user_id
		WHERE le.list_id=$1
		ORDER BY le.created_at
	`, listID)
}

// ToggleUpvote flips the (list, user) upvote membership and reports whether
// the user has the upvote after the call.
func (s *PostgresStore) ToggleUpvote(ctx context.Context, listID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM list_upvotes WHERE list_id=$1 AND user_id=$2
	`, listID, userID)
	if err != nil {
		return false, fmt.Errorf("remove upvote: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove upvote: %w", err)
	}
	if removed > 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO list_upvotes (list_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (list_id, user_id) DO NOTHING
	`, listID, userID); err != nil {
		return false, fmt.Errorf("add upvote: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) ListUpvoters(ctx context.Context, listID string) ([]UserSummary, error) {
	return s.userSummaries(ctx, `
		SELECT u.id, u.name, u.picture
		FROM list_upvotes uv
		JOIN users u ON u.id = uv.user_id
		WHERE uv.list_id=$1
		ORDER BY uv.created_at
	`, listID)
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, list_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
	`, message.ID, message.ListID, message.SenderID, message.Content)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, listID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.list_id, m.sender_id, m.content, m.created_at, u.id, u.name, u.picture
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.list_id=$1
		ORDER BY m.created_at DESC
		LIMIT $2
	`, listID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ListID, &m.SenderID, &m.Content, &m.CreatedAt, &m.Sender.ID, &m.Sender.Name, &m.Sender.Picture); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Oldest first for display.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *PostgresStore) userSummaries(ctx context.Context, query string, args ...any) ([]UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]UserSummary, 0)
	for rows.Next() {
		var u UserSummary
		if err := rows.Scan(&u.ID, &u.Name, &u.Picture); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanList(row rowScanner) (List, error) {
	var (
		list     List
		rawTags  []byte
		rawItems []byte
	)
	err := row.Scan(&list.ID, &list.Title, &list.Description, &rawTags, &rawItems, &list.IsPublic, &list.OwnerID, &list.CreatedAt, &list.UpdatedAt)
	if err != nil {
		return List{}, err
	}
	if err := json.Unmarshal(rawTags, &list.Tags); err != nil {
		return List{}, fmt.Errorf("unmarshal list tags: %w", err)
	}
	list.Items, err = decodeItems(rawItems)
	if err != nil {
		return List{}, err
	}
	return list, nil
}

func scanLists(rows *sql.Rows) ([]List, error) {
	defer rows.Close()

	lists := make([]List, 0)
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, fmt.Errorf("scan list: %w", err)
		}
		lists = append(lists, list)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lists: %w", err)
	}
	return lists, nil
}

// encodeItems normalizes nil completion sets to empty ones in a copy; the
// caller's slice is never written to.
func encodeItems(items []ListItem) ([]byte, error) {
	normalized := make([]ListItem, len(items))
	copy(normalized, items)
	for i := range normalized {
		if normalized[i].CompletedBy == nil {
			normalized[i].CompletedBy = []string{}
		}
	}
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshal list items: %w", err)
	}
	return encoded, nil
}

func decodeItems(raw []byte) ([]ListItem, error) {
	items := make([]ListItem, 0)
	if len(raw) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal list items: %w", err)
	}
	for i := range items {
		if items[i].CompletedBy == nil {
			items[i].CompletedBy = []string{}
		}
	}
	return items, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if affected > 1 {
		return errors.New("unexpected multi-row update")
	}
	return nil
}
