// Package list holds the per-user completion model for a list's item
// sequence and the viewer-scoped projection applied on every read.
package list

import (
	"errors"
	"sort"

	"listy/api/internal/store"
)

var (
	// ErrItemNotFound is returned when a toggle targets an id absent from
	// the sequence. No mutation happens in that case.
	ErrItemNotFound = errors.New("item not found")
	// ErrDuplicateItemID signals corrupt data: item ids must be unique
	// within a list. The operation is abandoned without partial effect.
	ErrDuplicateItemID = errors.New("duplicate item id")
)

// ToggleCompletion returns a new item sequence where userID's membership in
// the target item's completedBy set is flipped. Every other item is copied
// unchanged; the input sequence is never mutated in place, so concurrent
// readers of the old slice stay safe.
func ToggleCompletion(items []store.ListItem, itemID, userID string) ([]store.ListItem, error) {
	if err := checkUniqueIDs(items); err != nil {
		return nil, err
	}

	found := false
	next := make([]store.ListItem, len(items))
	for i, item := range items {
		if item.ID != itemID {
			next[i] = copyItem(item)
			continue
		}
		found = true
		next[i] = store.ListItem{
			ID:          item.ID,
			Content:     item.Content,
			CompletedBy: toggleMember(item.CompletedBy, userID),
		}
	}
	if !found {
		return nil, ErrItemNotFound
	}
	return next, nil
}

// ItemView is an item as one specific viewer sees it. CompletedBy is kept
// so callers that need the raw set still have it.
type ItemView struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	CompletedBy []string `json:"completedBy"`
	IsCompleted bool     `json:"isCompleted"`
}

// Project derives the viewer-scoped isCompleted flag for every item. The
// same item can be complete for one collaborator and incomplete for another;
// the stored representation never carries a global flag.
func Project(items []store.ListItem, viewerID string) []ItemView {
	views := make([]ItemView, len(items))
	for i, item := range items {
		completedBy := item.CompletedBy
		if completedBy == nil {
			completedBy = []string{}
		}
		views[i] = ItemView{
			ID:          item.ID,
			Content:     item.Content,
			CompletedBy: completedBy,
			IsCompleted: contains(completedBy, viewerID),
		}
	}
	return views
}

// toggleMember computes the symmetric toggle of userID against the set,
// deduplicating on the way through. Output order is deterministic.
func toggleMember(completedBy []string, userID string) []string {
	members := make(map[string]struct{}, len(completedBy)+1)
	for _, id := range completedBy {
		members[id] = struct{}{}
	}
	if _, ok := members[userID]; ok {
		delete(members, userID)
	} else {
		members[userID] = struct{}{}
	}

	next := make([]string, 0, len(members))
	for id := range members {
		next = append(next, id)
	}
	sort.Strings(next)
	return next
}

func checkUniqueIDs(items []store.ListItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.ID]; dup {
			return ErrDuplicateItemID
		}
		seen[item.ID] = struct{}{}
	}
	return nil
}

func copyItem(item store.ListItem) store.ListItem {
	completedBy := make([]string, len(item.CompletedBy))
	copy(completedBy, item.CompletedBy)
	return store.ListItem{
		ID:          item.ID,
		Content:     item.Content,
		CompletedBy: completedBy,
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
