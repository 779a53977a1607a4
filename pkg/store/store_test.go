package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs the port contract against both implementations.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Store{
		"memory": NewMemory().Stores(),
		"sqlite": db.Stores(),
	}
}

func seedSession(t *testing.T, s Store, userID string) *Session {
	t.Helper()
	primary := &Context{ID: NewID(), Type: "primary", Data: map[string]any{}}
	require.NoError(t, s.Contexts.Create(t.Context(), primary))
	sess := &Session{
		ID:               NewID(),
		UserID:           userID,
		PrimaryContextID: primary.ID,
		Config:           map[string]any{"agent": "chat"},
	}
	require.NoError(t, s.Sessions.Create(t.Context(), sess))
	return sess
}

func addMessages(t *testing.T, s Store, sessionID string, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		m := &Message{SessionID: sessionID, Type: MessageUser, Data: []byte(`{"text":"m"}`)}
		require.NoError(t, s.Messages.Create(t.Context(), m))
		ids[i] = m.ID
	}
	return ids
}

func TestSessionValidation(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.Sessions.Create(t.Context(), &Session{ID: NewID()})
			assert.True(t, IsValidation(err), "missing user_id must fail validation")

			err = s.Sessions.Create(t.Context(), &Session{UserID: "u1"})
			assert.True(t, IsValidation(err), "missing id must fail validation")
		})
	}
}

func TestSessionCreateConflict(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			err := s.Sessions.Create(t.Context(), &Session{ID: sess.ID, UserID: "u1"})
			assert.ErrorIs(t, err, ErrConflict)
		})
	}
}

func TestGetForUserHidesForeignSessions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")

			got, err := s.Sessions.GetForUser(t.Context(), sess.ID, "u1")
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)

			_, err = s.Sessions.GetForUser(t.Context(), sess.ID, "u2")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateMetaIsPartial(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")

			title := "renamed"
			require.NoError(t, s.Sessions.UpdateMeta(t.Context(), sess.ID, SessionPatch{Title: &title}))

			got, err := s.Sessions.Get(t.Context(), sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "renamed", got.Title)
			assert.Equal(t, "chat", got.Config["agent"], "untouched fields survive")

			err = s.Sessions.UpdateMeta(t.Context(), "missing", SessionPatch{Title: &title})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMessageOrderFollowsInsertion(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			ids := addMessages(t, s, sess.ID, 5)

			page, err := s.Messages.ListBySession(t.Context(), sess.ID, 10, "", DirectionBefore)
			require.NoError(t, err)
			require.Len(t, page.Messages, 5)
			for i, m := range page.Messages {
				assert.Equal(t, ids[i], m.ID, "ascending id order equals insertion order")
			}

			latest, err := s.Messages.GetLatest(t.Context(), sess.ID)
			require.NoError(t, err)
			assert.Equal(t, ids[4], latest.ID)
		})
	}
}

func TestMessagePaginationBefore(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			ids := addMessages(t, s, sess.ID, 5)

			page, err := s.Messages.ListBySession(t.Context(), sess.ID, 2, "", DirectionBefore)
			require.NoError(t, err)
			require.Len(t, page.Messages, 2)
			assert.True(t, page.HasMore)
			assert.Equal(t, []string{ids[3], ids[4]}, []string{page.Messages[0].ID, page.Messages[1].ID})
			assert.Equal(t, ids[3], page.NextCursor, "cursor continues past the oldest row returned")

			page, err = s.Messages.ListBySession(t.Context(), sess.ID, 2, page.NextCursor, DirectionBefore)
			require.NoError(t, err)
			require.Len(t, page.Messages, 2)
			assert.Equal(t, []string{ids[1], ids[2]}, []string{page.Messages[0].ID, page.Messages[1].ID})

			page, err = s.Messages.ListBySession(t.Context(), sess.ID, 2, page.NextCursor, DirectionBefore)
			require.NoError(t, err)
			require.Len(t, page.Messages, 1)
			assert.False(t, page.HasMore)
		})
	}
}

func TestMessagePaginationAfter(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			ids := addMessages(t, s, sess.ID, 4)

			page, err := s.Messages.ListBySession(t.Context(), sess.ID, 2, ids[0], DirectionAfter)
			require.NoError(t, err)
			require.Len(t, page.Messages, 2)
			assert.True(t, page.HasMore)
			assert.Equal(t, ids[1], page.Messages[0].ID, "cursor is exclusive")
			assert.Equal(t, ids[2], page.NextCursor)
		})
	}
}

func TestListAfterIsExclusive(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			ids := addMessages(t, s, sess.ID, 3)

			out, err := s.Messages.ListAfter(t.Context(), sess.ID, ids[0], 0)
			require.NoError(t, err)
			require.Len(t, out, 2)
			assert.Equal(t, ids[1], out[0].ID)
			assert.Equal(t, ids[2], out[1].ID)
		})
	}
}

func TestMessageCreateStampsLastMessageDate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")

			when := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			require.NoError(t, s.Messages.Create(t.Context(), &Message{
				SessionID: sess.ID,
				Type:      MessageUser,
				Date:      when,
				Data:      []byte(`{"text":"m"}`),
			}))

			got, err := s.Sessions.Get(t.Context(), sess.ID)
			require.NoError(t, err)
			assert.WithinDuration(t, when, got.LastMessageDate, time.Second)
		})
	}
}

func TestMessageRejectsUnknownType(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			err := s.Messages.Create(t.Context(), &Message{SessionID: sess.ID, Type: "telepathy"})
			assert.True(t, IsValidation(err))
		})
	}
}

func TestSessionDeleteCascades(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			ids := addMessages(t, s, sess.ID, 2)
			require.NoError(t, s.SessionContexts.Create(t.Context(), &SessionContext{
				SessionID: sess.ID, Type: "memory", Text: "likes go",
			}))
			art := &Artifact{SessionID: sess.ID, UserID: "u1", Title: "notes", Content: []byte("x")}
			require.NoError(t, s.Artifacts.Create(t.Context(), art))

			require.NoError(t, s.Sessions.Delete(t.Context(), sess.ID))

			_, err := s.Sessions.Get(t.Context(), sess.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Messages.Get(t.Context(), ids[0])
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Contexts.Get(t.Context(), sess.PrimaryContextID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = s.Artifacts.Get(t.Context(), art.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			scs, err := s.SessionContexts.ListBySession(t.Context(), sess.ID)
			require.NoError(t, err)
			assert.Empty(t, scs)
		})
	}
}

func TestSessionContextsByType(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess := seedSession(t, s, "u1")
			for _, typ := range []string{"memory", "memory", "conversation_summary"} {
				require.NoError(t, s.SessionContexts.Create(t.Context(), &SessionContext{
					SessionID: sess.ID, Type: typ, Text: "t",
				}))
			}

			memories, err := s.SessionContexts.ListByType(t.Context(), sess.ID, "memory")
			require.NoError(t, err)
			assert.Len(t, memories, 2)

			require.NoError(t, s.SessionContexts.DeleteByType(t.Context(), sess.ID, "memory"))
			all, err := s.SessionContexts.ListBySession(t.Context(), sess.ID)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "conversation_summary", all[0].Type)
		})
	}
}

func TestArtifactContentRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			art := &Artifact{UserID: "u1", Title: "draft", Content: []byte("v1")}
			require.NoError(t, s.Artifacts.Create(t.Context(), art))

			require.NoError(t, s.Artifacts.UpdateContent(t.Context(), art.ID, []byte("v2")))
			content, err := s.Artifacts.GetContent(t.Context(), art.ID)
			require.NoError(t, err)
			assert.Equal(t, "v2", string(content))

			got, err := s.Artifacts.Get(t.Context(), art.ID)
			require.NoError(t, err)
			assert.Equal(t, ArtifactInline, got.Kind, "kind defaults to inline")
		})
	}
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		assert.Less(t, prev, next)
		prev = next
	}
}
