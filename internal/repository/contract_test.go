package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay-backend/internal/models"
)

type transcriptStore interface {
	Append(ctx context.Context, sessionID string, turn models.Turn) error
	Turns(ctx context.Context, sessionID string) ([]models.Turn, error)
	Reset(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]models.SessionInfo, error)
	PruneIdle(ctx context.Context, before time.Time) (int, error)
}

func turn(role models.Role, text string) models.Turn {
	return models.Turn{Role: role, Text: text, CreatedAt: time.Now().UTC().Truncate(time.Millisecond)}
}

// runTranscriptStoreContract checks the behaviour every store must share.
// newStore must return an empty store.
func runTranscriptStoreContract(t *testing.T, newStore func(t *testing.T) transcriptStore) {
	ctx := context.Background()

	t.Run("unknown session is empty", func(t *testing.T) {
		s := newStore(t)
		turns, err := s.Turns(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, turns)
	})

	t.Run("append keeps order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "s1", turn(models.RoleUser, "Hi")))
		require.NoError(t, s.Append(ctx, "s1", turn(models.RoleAssistant, "hello")))
		require.NoError(t, s.Append(ctx, "s1", turn(models.RoleUser, "")))

		turns, err := s.Turns(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, turns, 3)
		assert.Equal(t, models.RoleUser, turns[0].Role)
		assert.Equal(t, "Hi", turns[0].Text)
		assert.Equal(t, models.RoleAssistant, turns[1].Role)
		assert.Equal(t, "hello", turns[1].Text)
		assert.Equal(t, "", turns[2].Text)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", turn(models.RoleUser, "from a")))
		require.NoError(t, s.Append(ctx, "b", turn(models.RoleUser, "from b")))

		a, err := s.Turns(ctx, "a")
		require.NoError(t, err)
		require.Len(t, a, 1)
		assert.Equal(t, "from a", a[0].Text)

		sessions, err := s.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 2)
		assert.Equal(t, "a", sessions[0].ID)
		assert.Equal(t, 1, sessions[0].TurnCount)
		assert.Equal(t, "b", sessions[1].ID)
	})

	t.Run("reset clears one session", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", turn(models.RoleUser, "x")))
		require.NoError(t, s.Append(ctx, "b", turn(models.RoleUser, "y")))
		require.NoError(t, s.Reset(ctx, "a"))
		require.NoError(t, s.Reset(ctx, "never-existed"))

		a, err := s.Turns(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, a)

		sessions, err := s.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, "b", sessions[0].ID)
	})

	t.Run("returned turns are a snapshot", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", turn(models.RoleUser, "first")))
		turns, err := s.Turns(ctx, "a")
		require.NoError(t, err)
		turns[0].Text = "mutated"

		again, err := s.Turns(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "first", again[0].Text)
	})

	t.Run("prune idle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, "a", turn(models.RoleUser, "x")))
		require.NoError(t, s.Append(ctx, "b", turn(models.RoleUser, "y")))

		n, err := s.PruneIdle(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		n, err = s.PruneIdle(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		sessions, err := s.Sessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("concurrent appends are all kept", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, s.Append(ctx, "busy", turn(models.RoleUser, fmt.Sprintf("m%d", i))))
			}(i)
		}
		wg.Wait()

		turns, err := s.Turns(ctx, "busy")
		require.NoError(t, err)
		assert.Len(t, turns, 20)
	})
}
