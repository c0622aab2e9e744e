package orm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMapper(t *testing.T) *Mapper {
	t.Helper()
	m, ok := testRegistry(t).Mapper(&User{})
	require.True(t, ok)
	return m
}

func TestScalarHistory(t *testing.T) {
	m := userMapper(t)

	t.Run("UntouchedIsUnchanged", func(t *testing.T) {
		st := NewState(m, &User{Name: "mia"})
		h, err := st.History("Name")
		require.NoError(t, err)
		assert.Equal(t, []any{"mia"}, h.Unchanged)
		assert.True(t, h.Empty())
		assert.False(t, st.Modified())
	})

	t.Run("SetRecordsAddedAndRemoved", func(t *testing.T) {
		st := NewState(m, &User{Name: "mia"})
		st.CommitAll()
		require.NoError(t, st.Set("Name", "noa"))
		h, err := st.History("Name")
		require.NoError(t, err)
		assert.Equal(t, []any{"noa"}, h.Added)
		assert.Equal(t, []any{"mia"}, h.Removed)
		assert.True(t, st.Modified())
	})

	t.Run("SetBackToBaselineIsClean", func(t *testing.T) {
		st := NewState(m, &User{Name: "mia"})
		st.CommitAll()
		require.NoError(t, st.Set("Name", "noa"))
		require.NoError(t, st.Set("Name", "mia"))
		h, err := st.History("Name")
		require.NoError(t, err)
		assert.True(t, h.Empty())
		assert.False(t, st.Modified())
	})

	t.Run("NoBaselineHasNoRemoved", func(t *testing.T) {
		st := NewState(m, &User{})
		require.NoError(t, st.Set("Name", "mia"))
		h, err := st.History("Name")
		require.NoError(t, err)
		assert.Equal(t, []any{"mia"}, h.Added)
		assert.Empty(t, h.Removed)
	})

	t.Run("SetCollectionRejected", func(t *testing.T) {
		st := NewState(m, &User{})
		err := st.Set("Posts", []*Post{})
		assert.True(t, IsUsageError(err))
	})

	t.Run("UnknownAttribute", func(t *testing.T) {
		st := NewState(m, &User{})
		err := st.Set("Nickname", "x")
		assert.True(t, IsUsageError(err))
	})
}

func TestCollectionHistory(t *testing.T) {
	m := userMapper(t)

	t.Run("AppendThenRemoveIsNoop", func(t *testing.T) {
		st := NewState(m, &User{})
		p := &Post{Title: "one"}
		require.NoError(t, st.Append("Posts", p))
		require.NoError(t, st.Remove("Posts", p))
		h, err := st.History("Posts")
		require.NoError(t, err)
		assert.True(t, h.Empty())
		assert.Empty(t, st.instance.(*User).Posts)
	})

	t.Run("RemoveThenAppendIsNoop", func(t *testing.T) {
		p := &Post{Title: "one"}
		u := &User{Posts: []*Post{p}}
		st := NewState(m, u)
		st.CommitAll()
		require.NoError(t, st.Remove("Posts", p))
		require.NoError(t, st.Append("Posts", p))
		h, err := st.History("Posts")
		require.NoError(t, err)
		assert.True(t, h.Empty())
		assert.Equal(t, []*Post{p}, u.Posts)
	})

	t.Run("AppendIsIdempotent", func(t *testing.T) {
		st := NewState(m, &User{})
		p := &Post{Title: "one"}
		require.NoError(t, st.Append("Posts", p))
		require.NoError(t, st.Append("Posts", p))
		h, err := st.History("Posts")
		require.NoError(t, err)
		assert.Equal(t, []any{p}, h.Added)
		assert.Len(t, st.instance.(*User).Posts, 1)
	})

	t.Run("RemoveCommittedMember", func(t *testing.T) {
		p1, p2 := &Post{Title: "one"}, &Post{Title: "two"}
		u := &User{Posts: []*Post{p1, p2}}
		st := NewState(m, u)
		st.CommitAll()
		require.NoError(t, st.Remove("Posts", p1))
		h, err := st.History("Posts")
		require.NoError(t, err)
		assert.Equal(t, []any{p1}, h.Removed)
		assert.Equal(t, []any{p2}, h.Unchanged)
		assert.Equal(t, []*Post{p2}, u.Posts)
	})

	t.Run("RemoveNonMemberIsNoop", func(t *testing.T) {
		st := NewState(m, &User{})
		require.NoError(t, st.Remove("Posts", &Post{Title: "ghost"}))
		h, err := st.History("Posts")
		require.NoError(t, err)
		assert.True(t, h.Empty())
	})
}

func TestCommitAndRollback(t *testing.T) {
	m := userMapper(t)

	t.Run("CommitResetsHistory", func(t *testing.T) {
		u := &User{Name: "mia"}
		st := NewState(m, u)
		st.CommitAll()
		p := &Post{Title: "one"}
		require.NoError(t, st.Set("Name", "noa"))
		require.NoError(t, st.Append("Posts", p))
		st.CommitAll()

		assert.False(t, st.Modified())
		h, err := st.History("Name")
		require.NoError(t, err)
		assert.Equal(t, []any{"noa"}, h.Unchanged)
		h, err = st.History("Posts")
		require.NoError(t, err)
		assert.Equal(t, []any{p}, h.Unchanged)

		// The new baseline sticks: reverting to the pre-commit value
		// is now a change.
		require.NoError(t, st.Set("Name", "mia"))
		assert.True(t, st.Modified())
	})

	t.Run("RollbackRestoresBaseline", func(t *testing.T) {
		p1, p2 := &Post{Title: "one"}, &Post{Title: "two"}
		u := &User{Name: "mia", Posts: []*Post{p1}}
		st := NewState(m, u)
		st.CommitAll()
		require.NoError(t, st.Set("Name", "noa"))
		require.NoError(t, st.Remove("Posts", p1))
		require.NoError(t, st.Append("Posts", p2))
		require.NoError(t, st.RollbackAll())

		assert.Equal(t, "mia", u.Name)
		assert.Equal(t, []*Post{p1}, u.Posts)
		assert.False(t, st.Modified())
	})

	t.Run("RollbackClearsUnbaselinedValue", func(t *testing.T) {
		u := &User{}
		st := NewState(m, u)
		require.NoError(t, st.Set("Name", "mia"))
		require.NoError(t, st.RollbackAll())
		assert.Equal(t, "", u.Name)
	})

	t.Run("CommitAttrIsSelective", func(t *testing.T) {
		u := &User{Name: "mia", Email: "mia@example.com"}
		st := NewState(m, u)
		st.CommitAll()
		require.NoError(t, st.Set("Name", "noa"))
		require.NoError(t, st.Set("Email", "noa@example.com"))
		require.NoError(t, st.CommitAttr("Name"))
		assert.True(t, st.Modified())
		require.NoError(t, st.RollbackAttr("Email"))
		assert.False(t, st.Modified())
		assert.Equal(t, "noa", u.Name)
		assert.Equal(t, "mia@example.com", u.Email)
	})
}

func TestExpire(t *testing.T) {
	m := userMapper(t)
	st := NewState(m, &User{Name: "mia"})
	st.CommitAll()

	st.Expire("Name")
	assert.True(t, st.IsExpired("Name"))
	assert.False(t, st.IsExpired("Email"))

	// Writing an expired attribute revives it.
	require.NoError(t, st.Set("Name", "noa"))
	assert.False(t, st.IsExpired("Name"))

	st.Expire()
	assert.True(t, st.IsExpired("Name"))
	assert.True(t, st.IsExpired("Email"))
	st.unexpire()
	assert.False(t, st.IsExpired("Name"))
}

func TestSnapshotRestore(t *testing.T) {
	m := userMapper(t)
	p := &Post{Title: "one"}
	u := &User{Name: "mia", Posts: []*Post{p}}
	st := NewState(m, u)
	st.CommitAll()

	snap := st.snapshot()
	require.NoError(t, st.Set("Name", "noa"))
	require.NoError(t, st.Remove("Posts", p))
	st.status = Deleted

	st.restore(snap)
	assert.Equal(t, "mia", u.Name)
	assert.Equal(t, []*Post{p}, u.Posts)
	assert.Equal(t, Transient, st.status)
	assert.False(t, st.Modified())
}
