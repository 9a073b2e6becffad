// Package chatstate holds the immutable chat view state and the reducer that
// transitions it. Reduce performs no I/O; constructors that need fresh ids or
// timestamps stamp them when the action is built.
package chatstate

import (
	"github.com/noah-isme/bizdash-realtime/internal/models"
)

// State is the root aggregate of the chat view.
//
// The selection is stored by id and resolved against Chats on read, so updates to a
// collection entry are visible through Selected without being mirrored. A detached
// copy is kept only for selections that are not members of the collection.
type State struct {
	Chats      []models.Chat
	SelectedID string
	detached   *models.Chat
}

// NewState builds the initial state from a snapshot of chats.
func NewState(chats []models.Chat) State {
	return State{Chats: cloneChats(chats)}
}

// Selected returns a copy of the selected chat, or nil when nothing is selected.
func (s State) Selected() *models.Chat {
	if s.SelectedID == "" {
		return nil
	}
	if idx := s.indexOf(s.SelectedID); idx >= 0 {
		chat := s.Chats[idx].Clone()
		return &chat
	}
	if s.detached != nil && s.detached.ID == s.SelectedID {
		chat := s.detached.Clone()
		return &chat
	}
	return nil
}

// Chat returns the collection entry with the given id.
func (s State) Chat(id string) (models.Chat, bool) {
	if idx := s.indexOf(id); idx >= 0 {
		return s.Chats[idx].Clone(), true
	}
	return models.Chat{}, false
}

func (s State) indexOf(id string) int {
	for i := range s.Chats {
		if s.Chats[i].ID == id {
			return i
		}
	}
	return -1
}

// updateSelected applies fn to the selected chat wherever it lives and reports
// whether a selection existed.
func (s State) updateSelected(fn func(chat *models.Chat)) (State, bool) {
	if s.SelectedID == "" {
		return s, false
	}
	if idx := s.indexOf(s.SelectedID); idx >= 0 {
		return s.replaceAt(idx, fn), true
	}
	if s.detached != nil && s.detached.ID == s.SelectedID {
		chat := s.detached.Clone()
		fn(&chat)
		s.detached = &chat
		return s, true
	}
	return s, false
}

func (s State) replaceAt(idx int, fn func(chat *models.Chat)) State {
	chats := make([]models.Chat, len(s.Chats))
	copy(chats, s.Chats)
	chat := chats[idx].Clone()
	fn(&chat)
	chats[idx] = chat
	s.Chats = chats
	return s
}

func cloneChats(chats []models.Chat) []models.Chat {
	out := make([]models.Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chat.Clone())
	}
	return out
}
