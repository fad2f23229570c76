package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type sample struct {
	Title string  `validate:"required,max=5"`
	IDs   []int64 `validate:"required,min=1"`
	Kind  string  `validate:"omitempty,oneof=a b"`
}

func TestValidateStruct(t *testing.T) {
	assert.NoError(t, ValidateStruct(&sample{Title: "ok", IDs: []int64{1}}))

	err := ValidateStruct(&sample{Kind: "c"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "Title is required")
		assert.Contains(t, err.Error(), "IDs is required")
		assert.Contains(t, err.Error(), "Kind must be one of [a b]")
	}

	err = ValidateStruct(&sample{Title: "too long", IDs: []int64{1}})
	assert.EqualError(t, err, "Title must be at most 5")
}
