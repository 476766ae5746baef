package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTempId(t *testing.T) {
	a := NewTempId()
	b := NewTempId()

	assert.True(t, IsTempId(a), "expected %q to carry the temp prefix", a)
	assert.NotEqual(t, a, b, "expected temp ids to be unique")
	assert.Greater(t, len(a), len(TempIdPrefix), "expected a suffix after the prefix")
}

func TestIsTempId(t *testing.T) {
	tcases := []struct {
		id   string
		want bool
	}{
		{"temp-123", true},
		{"iss-55", false},
		{"", false},
		{"tempx", false},
	}

	for _, tc := range tcases {
		t.Run(tc.id, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTempId(tc.id))
		})
	}
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindIssues.Valid())
	assert.True(t, KindChatMessages.Valid())
	assert.False(t, Kind("rooms").Valid())
}
