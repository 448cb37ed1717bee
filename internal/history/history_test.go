package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fill(s *Store) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.SaveMessage(Message{ID: "a", SessionID: "s1", Role: "user", Content: "Solve 2x=4", CreatedAt: now})
	s.SaveMessage(Message{ID: "b", SessionID: "s2", Role: "user", Content: "other", CreatedAt: now})
	s.SaveMessage(Message{ID: "c", SessionID: "s1", Role: "model", Content: "**Answer:** 2", IsError: false, CreatedAt: now})
	s.SaveCalculation(Calculation{SessionID: "s1", Expression: "2+2", Result: "4", CreatedAt: now})
	s.SaveCalculation(Calculation{SessionID: "s1", Expression: "sqrt(9)", Result: "3", CreatedAt: now})
}

func TestStore_Memory(t *testing.T) {
	s := Open("")
	fill(s)

	msgs := s.ListMessages("s1")
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[0].ID)
	require.Equal(t, "c", msgs[1].ID)

	calcs := s.ListCalculations("s1")
	require.Len(t, calcs, 2)
	require.Equal(t, "sqrt(9)", calcs[1].Expression)
	require.Empty(t, s.ListCalculations("s2"))
	require.NoError(t, s.Close())
}

func TestStore_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s := Open(path)
	fill(s)
	require.NoError(t, s.Close())

	reopened := Open(path)
	t.Cleanup(func() { reopened.Close() })

	msgs := reopened.ListMessages("s1")
	require.Len(t, msgs, 2)
	require.Equal(t, "model", msgs[1].Role)
	require.Equal(t, "**Answer:** 2", msgs[1].Content)

	calcs := reopened.ListCalculations("s1")
	require.Len(t, calcs, 2)
	require.Equal(t, "4", calcs[0].Result)
}

func TestStore_FallsBackToMemory(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "missing-dir", "history.db"))
	s.SaveCalculation(Calculation{SessionID: "s1", Expression: "1+1", Result: "2"})

	calcs := s.ListCalculations("s1")
	require.Len(t, calcs, 1)
	require.Equal(t, "2", calcs[0].Result)
}
