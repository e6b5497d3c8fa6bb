package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatstream/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conflictingStore reports a conflict for the first n appends.
type conflictingStore struct {
	*MemoryMessageStore
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (s *conflictingStore) Append(ctx context.Context, conversationID string, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	s.calls++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return models.Message{}, ErrSequenceConflict
	}
	s.mu.Unlock()
	return s.MemoryMessageStore.Append(ctx, conversationID, msg)
}

func build(id string) func(int64, []models.Message) models.Message {
	return func(next int64, _ []models.Message) models.Message {
		return models.Message{ID: id, SequenceNumber: next, Role: models.RoleAssistant, Kind: models.KindReply, Content: id}
	}
}

func TestNextSequence(t *testing.T) {
	assert.Equal(t, int64(1), NextSequence(nil))
	assert.Equal(t, int64(8), NextSequence([]models.Message{
		{SequenceNumber: 3}, {SequenceNumber: 7}, {SequenceNumber: 5},
	}))
}

func TestSequencer_AppendAssignsIncreasingNumbers(t *testing.T) {
	store := NewMemoryMessageStore()
	seq := NewSequencer(store)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := seq.Append(ctx, "conv-1", build(id))
		require.NoError(t, err)
	}
	_, err := seq.Append(ctx, "conv-2", build("other"))
	require.NoError(t, err)

	msgs, err := store.List(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, sequenceNumbers(msgs))

	other, err := store.List(ctx, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, sequenceNumbers(other))
}

func TestSequencer_ConcurrentAppendsStayUnique(t *testing.T) {
	store := NewMemoryMessageStore()
	seq := NewSequencer(store)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := seq.Append(context.Background(), "conv", build("m"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := store.List(context.Background(), "conv")
	require.NoError(t, err)
	require.Len(t, msgs, writers)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.SequenceNumber)
	}
}

func TestSequencer_RetriesOnConflict(t *testing.T) {
	store := &conflictingStore{MemoryMessageStore: NewMemoryMessageStore(), conflicts: 2}
	seq := NewSequencer(store)

	msg, err := seq.Append(context.Background(), "conv", build("m"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.SequenceNumber)
	assert.Equal(t, 3, store.calls)
}

func TestSequencer_GivesUpAfterMaxAttempts(t *testing.T) {
	store := &conflictingStore{MemoryMessageStore: NewMemoryMessageStore(), conflicts: 10}
	seq := NewSequencer(store)

	_, err := seq.Append(context.Background(), "conv", build("m"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceConflict)
	assert.Equal(t, maxSequenceAttempts, store.calls)
}

func TestSequencer_BackoffStopsOnCancel(t *testing.T) {
	store := &conflictingStore{MemoryMessageStore: NewMemoryMessageStore(), conflicts: 10}
	seq := NewSequencer(store)
	seq.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := seq.Append(ctx, "conv", build("m"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, store.calls)
}

func TestSequencer_StorageErrorIsNotRetried(t *testing.T) {
	store := NewMemoryMessageStore()
	store.FailAppend = errors.New("disk full")
	seq := NewSequencer(store)

	_, err := seq.Append(context.Background(), "conv", build("m"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSequenceConflict)
}

func TestKeyedMutex_ForgetsReleasedKeys(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock("a")
	unlock()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
