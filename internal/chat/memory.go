package chat

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It honors the same invariants as SQLStore, including per-conversation
// append serialization and monotonic createdAt assignment.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[int]string // id -> display name
	conversations map[int]*Conversation
	messages      map[int][]*Message // conversationID -> append order
	nextUserID    int
	nextConvID    int
	nextMsgID     int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int]string),
		conversations: make(map[int]*Conversation),
		messages:      make(map[int][]*Message),
		nextUserID:    1,
		nextConvID:    1,
		nextMsgID:     1,
	}
}

// AddUser registers a display name and returns the new identity's id.
func (s *MemoryStore) AddUser(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextUserID
	s.nextUserID++
	s.users[id] = name
	return id
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, participantA, participantB int) (*Conversation, bool, error) {
	if participantA == participantB || participantA == 0 || participantB == 0 {
		return nil, false, ErrInvalidParticipants
	}
	low, high := orderPair(participantA, participantB)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.ParticipantA == low && c.ParticipantB == high {
			cp := *c
			return &cp, false, nil
		}
	}

	now := time.Now().UTC()
	c := &Conversation{
		ID:            s.nextConvID,
		ParticipantA:  low,
		ParticipantB:  high,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.nextConvID++
	s.conversations[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id int) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID int) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ConversationSummary
	for _, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		sum := ConversationSummary{
			Conversation: *c,
			Partner:      s.users[c.OtherParticipant(userID)],
		}
		msgs := s.messages[c.ID]
		if len(msgs) > 0 {
			last := *msgs[len(msgs)-1]
			sum.LastMessage = &last
		}
		for _, m := range msgs {
			if m.SenderID != userID && !m.IsRead {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].sortKey().After(out[j].sortKey())
	})
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID, senderID int, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !c.HasParticipant(senderID) {
		return nil, ErrNotAParticipant
	}

	ts := time.Now().UTC()
	if msgs := s.messages[conversationID]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].CreatedAt; !ts.After(last) {
			ts = last.Add(time.Microsecond)
		}
	}

	m := &Message{
		ID:             s.nextMsgID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Sender:         s.users[senderID],
		Content:        content,
		IsRead:         false,
		CreatedAt:      ts,
	}
	s.nextMsgID++
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.LastMessageAt = ts
	c.UpdatedAt = ts

	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID, viewerID int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	if !c.HasParticipant(viewerID) {
		return nil, ErrNotAParticipant
	}

	msgs := s.messages[conversationID]
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) MarkConversationRead(_ context.Context, conversationID, readerID int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return 0, ErrConversationNotFound
	}
	if !c.HasParticipant(readerID) {
		return 0, ErrNotAParticipant
	}

	var changed int64
	for _, m := range s.messages[conversationID] {
		if m.SenderID != readerID && !m.IsRead {
			m.IsRead = true
			changed++
		}
	}
	return changed, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, userID int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for id, c := range s.conversations {
		if !c.HasParticipant(userID) {
			continue
		}
		for _, m := range s.messages[id] {
			if m.SenderID != userID && !m.IsRead {
				count++
			}
		}
	}
	return count, nil
}
