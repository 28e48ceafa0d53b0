package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/core"
)

// InMemoryStore is a volatile core.ThreadStore keeping threads in a process
// local map. It is safe for concurrent access. Threads are cloned on the way
// in and out so callers can never mutate stored state.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[core.ThreadKey]*core.Thread
	now     func() time.Time
}

// NewInMemoryStore constructs an empty in-memory thread store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads: make(map[core.ThreadKey]*core.Thread),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a clone of the thread stored for key, or core.ErrThreadNotFound.
func (s *InMemoryStore) Get(_ context.Context, key core.ThreadKey) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[key]
	if !ok {
		return nil, core.ErrThreadNotFound
	}
	return cloneThread(t), nil
}

// Save stores a clone of thread and stamps UpdatedAt when it is zero.
func (s *InMemoryStore) Save(_ context.Context, thread *core.Thread) error {
	t := cloneThread(thread)
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = s.now()
	}
	s.mu.Lock()
	s.threads[t.Key] = t
	s.mu.Unlock()
	return nil
}

// Delete removes the thread for key. Deleting a missing thread is not an error.
func (s *InMemoryStore) Delete(_ context.Context, key core.ThreadKey) error {
	s.mu.Lock()
	delete(s.threads, key)
	s.mu.Unlock()
	return nil
}

// List returns clones of the threads in roomID ordered by thread id. An empty
// roomID lists every room.
func (s *InMemoryStore) List(_ context.Context, roomID string) ([]*core.Thread, error) {
	s.mu.RLock()
	out := make([]*core.Thread, 0, len(s.threads))
	for key, t := range s.threads {
		if roomID != "" && key.RoomID != roomID {
			continue
		}
		out = append(out, cloneThread(t))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.RoomID != out[j].Key.RoomID {
			return out[i].Key.RoomID < out[j].Key.RoomID
		}
		return out[i].Key.ThreadID < out[j].Key.ThreadID
	})
	return out, nil
}

// Len returns the number of stored threads.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// cloneThread copies the slices and maps of t; message and tool call values
// are themselves immutable.
func cloneThread(t *core.Thread) *core.Thread {
	c := *t
	conv := t.Conversation
	if conv.Messages != nil {
		conv.Messages = append([]core.Message(nil), conv.Messages...)
	}
	if conv.ToolCalls != nil {
		conv.ToolCalls = append([]core.ToolCallInfo(nil), conv.ToolCalls...)
	}
	conv.State = core.CloneState(conv.State)
	if conv.MessageStates != nil {
		ms := make(map[string]core.MessageState, len(conv.MessageStates))
		for k, v := range conv.MessageStates {
			v.SourceReferences = append([]core.CitationRef(nil), v.SourceReferences...)
			ms[k] = v
		}
		conv.MessageStates = ms
	}
	c.Conversation = conv
	return &c
}
