package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })
	return r
}

func TestSessionRoundTrip(t *testing.T) {
	r := openTestRegistry(t)

	id, err := r.BeginSession("mnist", 3, 5)
	require.NoError(t, err)
	require.Positive(t, id)

	s, err := r.Session(id)
	require.NoError(t, err)
	require.Equal(t, "mnist", s.Model)
	require.Equal(t, 3, s.Parties)
	require.Equal(t, 5, s.Budget)
	require.False(t, s.Ended)
	require.False(t, s.StartedAt.IsZero())

	require.NoError(t, r.EndSession(id))
	s, err = r.Session(id)
	require.NoError(t, err)
	require.True(t, s.Ended)
	require.False(t, s.EndedAt.Before(s.StartedAt))
}

func TestUnknownSession(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.Session(42)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, r.EndSession(42), ErrNotFound)
}

func TestRequestsNewestFirst(t *testing.T) {
	r := openTestRegistry(t)
	id, err := r.BeginSession("m", 3, 0)
	require.NoError(t, err)

	require.NoError(t, r.RecordRequest(id, "req-1", nil, 12*time.Millisecond))
	require.NoError(t, r.RecordRequest(id, "req-2", errors.New("round timed out"), 340*time.Millisecond))
	require.NoError(t, r.RecordRequest(id, "req-3", nil, 9*time.Millisecond))

	reqs, err := r.Requests(id, 0)
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	require.Equal(t, "req-3", reqs[0].ID)
	require.Equal(t, "req-1", reqs[2].ID)
	require.Equal(t, "ok", reqs[0].Outcome)
	require.Equal(t, "failed", reqs[1].Outcome)
	require.Equal(t, "round timed out", reqs[1].Error)
	require.Equal(t, 340*time.Millisecond, reqs[1].Latency)

	limited, err := r.Requests(id, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "req-3", limited[0].ID)
}

func TestRequestCounts(t *testing.T) {
	r := openTestRegistry(t)
	id, err := r.BeginSession("m", 2, 0)
	require.NoError(t, err)

	require.NoError(t, r.RecordRequest(id, "a", nil, time.Millisecond))
	require.NoError(t, r.RecordRequest(id, "b", nil, time.Millisecond))
	require.NoError(t, r.RecordRequest(id, "c", errors.New("boom"), time.Millisecond))

	ok, failed, err := r.RequestCounts(id)
	require.NoError(t, err)
	require.EqualValues(t, 2, ok)
	require.EqualValues(t, 1, failed)

	ok, failed, err = r.RequestCounts(999)
	require.NoError(t, err)
	require.Zero(t, ok)
	require.Zero(t, failed)
}

func TestSessionsNewestFirst(t *testing.T) {
	r := openTestRegistry(t)
	first, err := r.BeginSession("a", 2, 0)
	require.NoError(t, err)
	second, err := r.BeginSession("b", 3, 1)
	require.NoError(t, err)

	sessions, err := r.Sessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	require.Equal(t, second, sessions[0].ID)
	require.Equal(t, first, sessions[1].ID)

	limited, err := r.Sessions(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "b", limited[0].Model)
}
