package store

import "time"

type User struct {
	ID        string
	GoogleID  string
	Email     string
	Name      string
	Picture   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserSummary is the public slice of a user embedded in list payloads.
type UserSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// ListItem is one entry of a list's JSONB item sequence. CompletedBy holds
// the ids of every user who has marked the item complete; the per-viewer
// isCompleted flag is derived at read time and never stored.
type ListItem struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	CompletedBy []string `json:"completedBy"`
}

type List struct {
	ID          string
	Title       string
	Description string
	Tags        []string
	Items       []ListItem
	IsPublic    bool
	OwnerID     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ListAccess is the subset of list state the room authorization gate needs.
type ListAccess struct {
	IsPublic  bool
	OwnerID   string
	EditorIDs []string
}

type Message struct {
	ID        string
	ListID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
	Sender    UserSummary
}
