package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDatabase_JoinPath(t *testing.T) {
	db := newTestDatabase(time.Now())

	assert.Equal(t, []string{"foo", "lur", "bar"}, db.JoinPath("foo", "bar"))
	assert.Equal(t, []string{"bar", "lur"}, db.JoinPath("bar", "lur"))
	assert.Equal(t, []string{"foo"}, db.JoinPath("foo", "foo"))
	assert.Nil(t, db.JoinPath("foo", "baz"))
	assert.Nil(t, db.JoinPath("foo", "nope"))
}

func TestDatabase_JoinPathFollowsUpdates(t *testing.T) {
	db := newTestDatabase(time.Now())
	assert.Nil(t, db.JoinPath("baz", "foo"))

	db.UpdateTables(&Table{Name: "baz", Modified: time.Now(), Columns: []Column{
		{Name: "other", References: &ColumnRef{Table: "bar", Column: "thing"}},
	}})
	assert.Equal(t, []string{"baz", "bar", "lur", "foo"}, db.JoinPath("baz", "foo"))

	db.RetainTables([]string{"foo", "bar", "baz"})
	assert.Nil(t, db.JoinPath("baz", "foo"))
}
