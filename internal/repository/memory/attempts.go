package memory

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/acme/campaign-dialer/internal/domain"
)

// AttemptLog implements repository.AttemptLog. Paging state is the next offset.
type AttemptLog struct {
	mu       sync.Mutex
	attempts map[uuid.UUID][]domain.CallAttempt
}

// NewAttemptLog constructs an empty log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{attempts: make(map[uuid.UUID][]domain.CallAttempt)}
}

func (l *AttemptLog) Append(_ context.Context, attempt domain.CallAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts[attempt.TaskID] = append(l.attempts[attempt.TaskID], attempt)
	return nil
}

func (l *AttemptLog) List(_ context.Context, taskID uuid.UUID, limit int, pagingState []byte) ([]domain.CallAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	all := l.attempts[taskID]
	offset := 0
	if len(pagingState) == 8 {
		offset = int(binary.BigEndian.Uint64(pagingState))
	}
	if offset >= len(all) {
		return nil, nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := append([]domain.CallAttempt(nil), all[offset:end]...)
	if end == len(all) {
		return page, nil, nil
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, uint64(end))
	return page, next, nil
}
