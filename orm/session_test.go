package orm

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/quarrydb/quarry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycle(t *testing.T) {
	t.Run("AddTransient", func(t *testing.T) {
		s, _ := mockSession(t)
		u := &User{Name: "mia"}
		assert.Equal(t, Transient, s.StatusOf(u))
		require.NoError(t, s.Add(u))
		assert.Equal(t, Pending, s.StatusOf(u))
		assert.Contains(t, s.New(), any(u))
	})

	t.Run("AddIsIdempotent", func(t *testing.T) {
		s, _ := mockSession(t)
		u := &User{Name: "mia"}
		require.NoError(t, s.Add(u))
		require.NoError(t, s.Add(u))
		assert.Len(t, s.New(), 1)
	})

	t.Run("DeletePendingExpunges", func(t *testing.T) {
		s, _ := mockSession(t)
		u := &User{Name: "mia"}
		require.NoError(t, s.Add(u))
		require.NoError(t, s.Delete(u))
		assert.Equal(t, Transient, s.StatusOf(u))
	})

	t.Run("DeleteTransientRejected", func(t *testing.T) {
		s, _ := mockSession(t)
		err := s.Delete(&User{Name: "mia"})
		assert.True(t, IsUsageError(err))
	})

	t.Run("Expunge", func(t *testing.T) {
		s, _ := mockSession(t)
		u := &User{Name: "mia"}
		require.NoError(t, s.Add(u))
		require.NoError(t, s.Expunge(u))
		assert.Equal(t, Transient, s.StatusOf(u))
		assert.Empty(t, s.New())
	})

	t.Run("ExpungePersistentDetaches", func(t *testing.T) {
		s, mock := mockSession(t)
		u := loadUser(t, s, mock, 1, "mia", "")
		require.NoError(t, s.Expunge(u))
		assert.Equal(t, Detached, s.StatusOf(u))

		err := s.Add(u)
		assert.True(t, IsUsageError(err), "detached instances cannot be re-added")
	})

	t.Run("ClosedSessionRejectsFlush", func(t *testing.T) {
		s, _ := mockSession(t)
		require.NoError(t, s.Close())
		err := s.Flush(context.Background())
		assert.ErrorIs(t, err, quarry.ErrSessionClosed)
	})
}

func TestFlushInsertOrder(t *testing.T) {
	s, mock := mockSession(t)
	u := &User{Name: "mia", Email: "mia@example.com"}
	p1 := &Post{Title: "one", Author: u}
	p2 := &Post{Title: "two", Author: u}
	u.Posts = []*Post{p1, p2}

	// Adding the root is enough: save-update cascade picks up the posts.
	require.NoError(t, s.Add(u))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WithArgs("mia", "mia@example.com").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// Sibling posts flush in the same level, in no particular order.
	mock.ExpectExec("INSERT INTO posts").
		WillReturnResult(sqlmock.NewResult(10, 1))
	mock.ExpectExec("INSERT INTO posts").
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1, u.ID, "generated key propagated to the instance")
	assert.ElementsMatch(t, []int{10, 11}, []int{p1.ID, p2.ID})
	assert.Equal(t, 1, p1.AuthorID, "parent key propagated to the child row")
	assert.Equal(t, 1, p2.AuthorID)
	assert.Equal(t, Persistent, s.StatusOf(u))
	assert.Equal(t, Persistent, s.StatusOf(p1))

	m, _ := s.registry.Mapper(&User{})
	got, ok := s.identity.Get(KeyFor(m, 1))
	require.True(t, ok, "inserted instance lands in the identity map")
	assert.Same(t, u, got)
}

func TestFlushFailureIsAtomic(t *testing.T) {
	s, mock := mockSession(t)
	u := &User{Name: "mia"}
	p := &Post{Title: "one", Author: u}
	u.Posts = []*Post{p}
	require.NoError(t, s.Add(u))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO posts").
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.Flush(context.Background())
	require.Error(t, err)
	var stmtErr *StatementError
	assert.ErrorAs(t, err, &stmtErr)
	require.NoError(t, mock.ExpectationsWereMet())

	// Nothing sticks: the user's generated key is rolled back and both
	// instances are pending again, ready for a retry.
	assert.Equal(t, 0, u.ID)
	assert.Equal(t, 0, p.AuthorID)
	assert.Equal(t, Pending, s.StatusOf(u))
	assert.Equal(t, Pending, s.StatusOf(p))

	// A second flush picks both up again and succeeds.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO posts").
		WillReturnResult(sqlmock.NewResult(2, 1))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, Persistent, s.StatusOf(u))
	assert.Equal(t, Persistent, s.StatusOf(p))
	assert.Equal(t, 1, p.AuthorID)
}

func TestFlushIdentityConflict(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")

	// The generated key collides with the instance already loaded under
	// id 1, so the flush must abort and roll the transaction back.
	dup := &User{Name: "noa"}
	require.NoError(t, s.Add(dup))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	err := s.Flush(context.Background())
	require.Error(t, err)
	var confErr *IdentityConflictError
	assert.ErrorAs(t, err, &confErr)
	require.NoError(t, mock.ExpectationsWereMet())

	// The loaded instance keeps its identity slot and the duplicate is
	// pending again with no assigned key.
	m, _ := s.registry.Mapper(&User{})
	got, ok := s.identity.Get(KeyFor(m, 1))
	require.True(t, ok)
	assert.Same(t, u, got)
	assert.Equal(t, 0, dup.ID)
	assert.Equal(t, Pending, s.StatusOf(dup))
	assert.Equal(t, Persistent, s.StatusOf(u))
}

func TestFlushUpdate(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "mia@example.com")

	require.NoError(t, s.Set(u, "Name", "noa"))
	assert.True(t, s.IsDirty(u))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users SET").
		WithArgs("noa", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.False(t, s.IsDirty(u))
}

func TestFlushCleanSessionIsNoop(t *testing.T) {
	s, mock := mockSession(t)
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRemoveFlushesNothing(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")
	p := &Post{Title: "one"}

	require.NoError(t, s.Append(u, "Posts", p))
	require.NoError(t, s.Remove(u, "Posts", p))
	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushDeleteCascade(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")
	p := loadPost(t, s, mock, 2, "one", 1)
	require.NoError(t, s.Append(u, "Posts", p))
	st, _ := s.State(u)
	st.CommitAll()

	require.NoError(t, s.Delete(u))
	assert.Equal(t, Deleted, s.StatusOf(p), "delete cascades to owned posts")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM post_tags").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM posts").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM users").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, Detached, s.StatusOf(u))
	assert.Equal(t, Detached, s.StatusOf(p))
}

func TestFlushManyToMany(t *testing.T) {
	s, mock := mockSession(t)
	p := loadPost(t, s, mock, 1, "one", 0)
	tag := loadTag(t, s, mock, 2, "go")

	require.NoError(t, s.Append(p, "Tags", tag))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO post_tags").
		WithArgs(1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, s.Remove(p, "Tags", tag))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM post_tags").
		WithArgs(1, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")

	require.NoError(t, s.Set(u, "Name", "noa"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "mia", u.Name, "rollback restores the committed value")
	assert.False(t, s.IsDirty(u))
	assert.Equal(t, Persistent, s.StatusOf(u))
}

func TestRollbackRestoresInserted(t *testing.T) {
	s, mock := mockSession(t)
	u := &User{Name: "mia"}
	require.NoError(t, s.Add(u))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, Persistent, s.StatusOf(u))
	require.NoError(t, s.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 0, u.ID, "generated key is rolled back with the transaction")
	assert.Equal(t, Transient, s.StatusOf(u), "explicit rollback expunges never-committed instances")
}

func TestRollbackDriverFailure(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")
	require.NoError(t, s.Set(u, "Name", "noa"))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback().WillReturnError(assert.AnError)

	require.NoError(t, s.Flush(context.Background()))
	err := s.Rollback()
	var rbErr *quarry.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.ErrorIs(t, err, assert.AnError)
	require.NoError(t, mock.ExpectationsWereMet())

	// In-memory state is restored even when the driver rollback fails.
	assert.Equal(t, "mia", u.Name)
	assert.Equal(t, Persistent, s.StatusOf(u))
}

func TestSavepoint(t *testing.T) {
	ctx := context.Background()
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")

	mock.ExpectBegin()
	mock.ExpectExec("SAVEPOINT sp_").WillReturnResult(sqlmock.NewResult(0, 0))

	sp, err := s.BeginNested(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Set(u, "Name", "noa"))

	mock.ExpectExec("ROLLBACK TO SAVEPOINT sp_").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, sp.Rollback(ctx))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, "mia", u.Name)
	assert.False(t, s.IsDirty(u))

	err = sp.Rollback(ctx)
	assert.True(t, IsUsageError(err), "a completed savepoint cannot be reused")
}

func TestEvents(t *testing.T) {
	s, mock := mockSession(t)
	var order []Event
	for _, ev := range []Event{BeforeFlush, AfterFlush, AfterCommit} {
		ev := ev
		s.On(ev, func(*Session) { order = append(order, ev) })
	}
	u := &User{Name: "mia"}
	require.NoError(t, s.Add(u))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Commit(context.Background()))

	assert.Equal(t, []Event{BeforeFlush, AfterFlush, AfterCommit}, order)
}

func TestExpireOnCommit(t *testing.T) {
	s, mock := mockSession(t)
	u := &User{Name: "mia"}
	require.NoError(t, s.Add(u))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Commit(context.Background()))

	st, ok := s.State(u)
	require.True(t, ok)
	assert.True(t, st.IsExpired("Name"))

	s2, mock2 := mockSession(t, WithExpireOnCommit(false))
	u2 := &User{Name: "mia"}
	require.NoError(t, s2.Add(u2))
	mock2.ExpectBegin()
	mock2.ExpectExec("INSERT INTO users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock2.ExpectCommit()
	require.NoError(t, s2.Commit(context.Background()))
	st2, _ := s2.State(u2)
	assert.False(t, st2.IsExpired("Name"))
}

func TestDeleteOrphan(t *testing.T) {
	s, mock := mockSession(t)
	u := loadUser(t, s, mock, 1, "mia", "")
	p := loadPost(t, s, mock, 2, "one", 1)
	require.NoError(t, s.Append(u, "Posts", p))
	st, _ := s.State(u)
	st.CommitAll()

	// Removing the post from its delete-orphan collection deletes it.
	require.NoError(t, s.Remove(u, "Posts", p))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM post_tags").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM posts").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, Detached, s.StatusOf(p))
	assert.Equal(t, Persistent, s.StatusOf(u))
}

func TestDeleteOrphanReparented(t *testing.T) {
	s, mock := mockSession(t)
	u1 := loadUser(t, s, mock, 1, "mia", "")
	u2 := loadUser(t, s, mock, 2, "noa", "")
	p := loadPost(t, s, mock, 3, "one", 1)
	require.NoError(t, s.Append(u1, "Posts", p))
	st1, _ := s.State(u1)
	st1.CommitAll()

	// Moving the post to another collection is not an orphaning.
	require.NoError(t, s.Remove(u1, "Posts", p))
	require.NoError(t, s.Append(u2, "Posts", p))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE posts SET").
		WithArgs(2, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, Persistent, s.StatusOf(p))
	assert.Equal(t, 2, p.AuthorID)
}

// loadUser primes the session with a persistent user through a mocked
// SELECT, the same way application code would load one.
func loadUser(t *testing.T, s *Session, mock sqlmock.Sqlmock, id int, name, email string) *User {
	t.Helper()
	mock.ExpectQuery("SELECT .* FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "email"}).AddRow(id, name, email))
	got, err := s.Query(&User{}).ByID(context.Background(), id)
	require.NoError(t, err)
	return got.(*User)
}

func loadPost(t *testing.T, s *Session, mock sqlmock.Sqlmock, id int, title string, authorID int) *Post {
	t.Helper()
	mock.ExpectQuery("SELECT .* FROM posts").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id"}).AddRow(id, title, authorID))
	got, err := s.Query(&Post{}).ByID(context.Background(), id)
	require.NoError(t, err)
	return got.(*Post)
}

func loadTag(t *testing.T, s *Session, mock sqlmock.Sqlmock, id int, label string) *Tag {
	t.Helper()
	mock.ExpectQuery("SELECT .* FROM tags").
		WillReturnRows(sqlmock.NewRows([]string{"id", "label"}).AddRow(id, label))
	got, err := s.Query(&Tag{}).ByID(context.Background(), id)
	require.NoError(t, err)
	return got.(*Tag)
}
