package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "gatekeeper/pkg/domain-errors"
)

type sample struct {
	SessionToken string `json:"sessionToken" validate:"required,max=8"`
	Mode         string `json:"mode" validate:"omitempty,oneof=a b"`
}

func TestStruct(t *testing.T) {
	t.Run("valid struct passes", func(t *testing.T) {
		require.NoError(t, Struct(sample{SessionToken: "abc"}))
	})

	t.Run("missing field uses json name", func(t *testing.T) {
		err := Struct(sample{})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
		assert.Equal(t, "sessionToken is required", err.Error())
	})

	t.Run("max length is reported", func(t *testing.T) {
		err := Struct(sample{SessionToken: strings.Repeat("x", 9)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at most 8")
	})

	t.Run("oneof is reported", func(t *testing.T) {
		err := Struct(sample{SessionToken: "x", Mode: "c"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "one of")
	})
}
