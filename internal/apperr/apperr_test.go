package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("rename: %w", New(NotFound, "tablemgr.Rename", "table %q does not exist", "sales"))

	require.True(t, errors.Is(err, E(NotFound)))
	assert.False(t, errors.Is(err, E(NameConflict)))
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, `tablemgr.Rename: table "sales" does not exist`, errors.Unwrap(err).Error())
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != Internal {
		t.Fatalf("expected internal, got %s", got)
	}
	if got := KindOf(nil); got != "" {
		t.Fatalf("expected empty kind for nil, got %s", got)
	}
}

func TestIsRetryableNested(t *testing.T) {
	inner := Wrap(LockContention, "sqlite.insert", errors.New("database is locked"))
	outer := Wrap(Internal, "ingest.load", inner)
	assert.True(t, IsRetryable(outer))
	assert.Nil(t, Wrap(NotFound, "x", nil))
}

func TestResultFail(t *testing.T) {
	r := Fail(New(MissingJoin, "", "multiple tables require joins"), "Join 1: left table missing")
	assert.False(t, r.Success)
	assert.Equal(t, MissingJoin, r.Kind)
	assert.Equal(t, []string{"Join 1: left table missing"}, r.Errors)

	ok := From("done", 3, nil)
	assert.True(t, ok.Success)
	assert.Equal(t, 3, ok.Data)
}
