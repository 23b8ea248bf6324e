package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleError(t *testing.T) {
	assert.False(t, HandleError(nil))
	assert.True(t, HandleError(errors.New("boom")))
}
