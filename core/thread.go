package core

import (
	"context"
	"errors"
	"time"
)

// ErrThreadNotFound is returned by a ThreadStore when no thread is stored
// for a key.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadKey identifies a conversation thread within a room. At most one run
// is registered per key.
type ThreadKey struct {
	RoomID   string `json:"room_id" yaml:"room_id"`
	ThreadID string `json:"thread_id" yaml:"thread_id"`
}

// String renders the key as "room/thread".
func (k ThreadKey) String() string { return k.RoomID + "/" + k.ThreadID }

// Thread is the stored outcome of the latest run on a key.
type Thread struct {
	Key          ThreadKey
	Conversation Conversation
	UpdatedAt    time.Time
}

// ThreadStore keeps the latest conversation per thread so the next run can
// start from it. Implementations must be safe for concurrent use.
type ThreadStore interface {
	Get(ctx context.Context, key ThreadKey) (*Thread, error)
	Save(ctx context.Context, thread *Thread) error
	Delete(ctx context.Context, key ThreadKey) error
	List(ctx context.Context, roomID string) ([]*Thread, error)
}
