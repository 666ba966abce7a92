// Package chat keeps the ephemeral per-room chat history and the per-user
// flood control in front of it.
package chat

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jpmcglone/menofhunger-realtime/internal/models"
)

const (
	DefaultBufferCap = 220
	DefaultStateTTL  = 30 * time.Minute
)

type room struct {
	messages []models.ChatMessage
	seq      int64
	touched  time.Time
}

// Buffer is a bounded FIFO of chat messages per room. Rooms untouched for
// longer than the TTL are dropped on the next write.
type Buffer struct {
	capacity int
	ttl      time.Duration

	mu    sync.Mutex
	rooms map[string]*room
}

// NewBuffer creates a buffer; non-positive arguments use the defaults.
func NewBuffer(capacity int, ttl time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &Buffer{
		capacity: capacity,
		ttl:      ttl,
		rooms:    make(map[string]*room),
	}
}

// Append stores a new message from sender and returns it.
func (b *Buffer) Append(roomID string, sender models.UserSummary, body string, now time.Time) models.ChatMessage {
	msg := models.ChatMessage{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		Sender:    sender,
		Body:      body,
		CreatedAt: now.UnixMilli(),
	}
	return b.append(msg, now)
}

// AppendRemote stores a message relayed from another instance. Its id and
// creation time are kept; the sequence number is assigned locally.
func (b *Buffer) AppendRemote(msg models.ChatMessage, now time.Time) models.ChatMessage {
	return b.append(msg, now)
}

func (b *Buffer) append(msg models.ChatMessage, now time.Time) models.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.gcLocked(now, msg.RoomID)

	r := b.rooms[msg.RoomID]
	if r == nil {
		r = &room{}
		b.rooms[msg.RoomID] = r
	}
	r.seq++
	r.touched = now
	msg.Seq = r.seq

	r.messages = append(r.messages, msg)
	if over := len(r.messages) - b.capacity; over > 0 {
		// Copy down so the backing array does not grow without bound.
		kept := make([]models.ChatMessage, b.capacity)
		copy(kept, r.messages[over:])
		r.messages = kept
	}
	return msg
}

// Recent returns the room's messages oldest first.
func (b *Buffer) Recent(roomID string) []models.ChatMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.rooms[roomID]
	if r == nil {
		return []models.ChatMessage{}
	}
	out := make([]models.ChatMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of messages held for a room.
func (b *Buffer) Len(roomID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r := b.rooms[roomID]; r != nil {
		return len(r.messages)
	}
	return 0
}

// Rooms returns the number of rooms with state.
func (b *Buffer) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

func (b *Buffer) gcLocked(now time.Time, keep string) {
	cutoff := now.Add(-b.ttl)
	for id, r := range b.rooms {
		if id != keep && r.touched.Before(cutoff) {
			delete(b.rooms, id)
		}
	}
}
