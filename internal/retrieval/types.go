package retrieval

import (
	"errors"

	"github.com/google/uuid"

	"github.com/mindframe0/mindframe/internal/store"
)

// ErrInvariant indicates a request that violates a scoping invariant,
// e.g. a missing session id while isolation is enforced. These are
// caller bugs and never degrade silently.
var ErrInvariant = errors.New("retrieval invariant violated")

// HistoryTurn is one prior turn of the conversation, oldest first.
type HistoryTurn struct {
	Role    string // user, assistant
	Content string
}

// Request scopes one retrieval.
type Request struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	ProjectID *uuid.UUID
	UserText  string
	History   []HistoryTurn
}

// ContextBlock holds retrieval results in their fixed output order:
// documents, prior messages, global knowledge.
type ContextBlock struct {
	Documents []store.Hit
	Messages  []store.Hit
	Global    []store.Hit
}

// Empty reports whether retrieval produced nothing.
func (b *ContextBlock) Empty() bool {
	return b == nil || (len(b.Documents) == 0 && len(b.Messages) == 0 && len(b.Global) == 0)
}
