package skerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sentinel = errors.New("this error is load-bearing")

func TestWrap_PreservesOriginal(t *testing.T) {
	wrapped := Wrap(sentinel)
	require.Equal(t, sentinel, Unwrap(wrapped))
	assert.True(t, errors.Is(wrapped, sentinel))
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil))
	assert.NoError(t, Wrapf(nil, "whatever %d", 7))
}

func TestWrap_AlreadyWrappedIsUnchanged(t *testing.T) {
	once := Wrap(sentinel)
	twice := Wrap(once)
	assert.Same(t, once, twice)
}

func TestWrapf_ContextAccumulates(t *testing.T) {
	err := Wrapf(sentinel, "inner %s", "detail")
	err = Wrapf(err, "outer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outer: inner detail: this error is load-bearing")
	assert.Equal(t, sentinel, Unwrap(err))
}

func TestFmt_IncludesCallStack(t *testing.T) {
	err := Fmt("oops %d", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops 42")
	assert.Contains(t, err.Error(), "skerr_test.go")
}

func TestUnwrap_PlainErrorPassesThrough(t *testing.T) {
	err := fmt.Errorf("plain")
	assert.Equal(t, err, Unwrap(err))
}
