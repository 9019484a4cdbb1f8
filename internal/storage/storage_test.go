package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "relay", "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func direct(id, cmid, from, to, content string, at time.Time) MessageRow {
	return MessageRow{ID: id, ClientMessageID: cmid, FromUser: from, ToUser: to,
		MessageType: "text", Content: content, CreatedAt: at}
}

func TestInsertMessageIdempotent(t *testing.T) {
	db := openTest(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	row, dup, err := db.InsertMessage(direct("m1", "temp-1", "alice", "bob", "hi", at))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "m1", row.ID)

	row, dup, err = db.InsertMessage(direct("m2", "temp-1", "alice", "bob", "hi again", at))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, "m1", row.ID)
	assert.Equal(t, "hi", row.Content)
	assert.True(t, at.Equal(row.CreatedAt))

	// Same client id from a different sender is a different message.
	_, dup, err = db.InsertMessage(direct("m3", "temp-1", "bob", "alice", "yo", at))
	require.NoError(t, err)
	assert.False(t, dup)

	msgs, err := db.ListDirect("bob", "alice", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"m1", "m3"}, []string{msgs[0].ID, msgs[1].ID})

	_, ok, err := db.GetMessage("m2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertMessageValidation(t *testing.T) {
	db := openTest(t)
	_, _, err := db.InsertMessage(MessageRow{ID: "x", ClientMessageID: "c", FromUser: "a"})
	assert.Error(t, err)
	_, _, err = db.InsertMessage(MessageRow{ID: "x", ClientMessageID: "c", FromUser: "a", ToUser: "b", GroupID: "g"})
	assert.Error(t, err)
	_, _, err = db.InsertMessage(MessageRow{ClientMessageID: "c", FromUser: "a", ToUser: "b"})
	assert.Error(t, err)
}

func TestListLimitsKeepNewest(t *testing.T) {
	db := openTest(t)
	at := time.Now()
	for i := 0; i < 5; i++ {
		_, _, err := db.InsertMessage(MessageRow{
			ID: fmt.Sprintf("g%d", i), ClientMessageID: fmt.Sprintf("c%d", i),
			FromUser: "alice", GroupID: "team", Content: fmt.Sprint(i), CreatedAt: at,
		})
		require.NoError(t, err)
	}
	_, _, err := db.InsertMessage(direct("d1", "c9", "alice", "bob", "dm", at))
	require.NoError(t, err)

	msgs, err := db.ListGroup("team", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "g3", msgs[0].ID)
	assert.Equal(t, "g4", msgs[1].ID)

	all, err := db.ListGroup("team", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	dms, err := db.ListDirect("alice", "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, dms)
}

func TestGroupMembers(t *testing.T) {
	db := openTest(t)
	require.NoError(t, db.AddGroupMember("team", "bob"))
	require.NoError(t, db.AddGroupMember("team", "alice"))
	require.NoError(t, db.AddGroupMember("team", "alice"))

	members, err := db.ListGroupMembers("team")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	ok, err := db.IsGroupMember("team", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.IsGroupMember("team", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsersPresence(t *testing.T) {
	db := openTest(t)
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.TouchUser("alice", true, t0))
	require.NoError(t, db.TouchUser("bob", true, t0.Add(time.Minute)))
	require.NoError(t, db.TouchUser("alice", false, t0.Add(2*time.Minute)))

	users, err := db.ListUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].UserID)
	assert.False(t, users[0].Online)
	assert.True(t, users[1].Online)

	require.NoError(t, db.ResetPresence())
	users, err = db.ListUsers()
	require.NoError(t, err)
	assert.False(t, users[1].Online)
}

func TestMetaAndMemory(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, ok := db.GetMeta("schema")
	assert.False(t, ok)
	require.NoError(t, db.SetMeta("schema", "1"))
	require.NoError(t, db.SetMeta("schema", "2"))
	v, ok := db.GetMeta("schema")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}
