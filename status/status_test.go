package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStringIncludesCodeAndMessage(t *testing.T) {
	err := Newf(Busy, "datablock %d locked", 7)
	assert.Equal(t, "BUSY: datablock 7 locked", err.Error())
}

func TestErrorIsMatchesByCodeOnly(t *testing.T) {
	a := New(DuplicateSatisfy)
	b := Newf(DuplicateSatisfy, "second satisfy on event 9")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(Busy)))
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(NoMemory, cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "underlying failure")
}

func TestOfExtractsCode(t *testing.T) {
	assert.Equal(t, OK, Of(nil))
	assert.Equal(t, AlreadyExists, Of(New(AlreadyExists)))
	assert.Equal(t, InvalidArg, Of(errors.New("not one of ours")))
}

func TestUnknownCodeStringsAsUnknown(t *testing.T) {
	assert.Contains(t, Code(99).String(), "UNKNOWN")
}
