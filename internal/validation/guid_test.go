package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateGuid(t *testing.T) {
	tests := []struct {
		name    string
		guid    string
		wantErr bool
	}{
		{name: "valid short guid", guid: "abcDEF123", wantErr: false},
		{name: "valid with dash and underscore", guid: "a-b_c", wantErr: false},
		{name: "valid single char", guid: "x", wantErr: false},
		{name: "valid 64 bytes", guid: strings.Repeat("a", 64), wantErr: false},
		{name: "empty", guid: "", wantErr: true},
		{name: "too long", guid: strings.Repeat("a", 65), wantErr: true},
		{name: "contains space", guid: "ab cd", wantErr: true},
		{name: "contains slash", guid: "ab/cd", wantErr: true},
		{name: "contains plus", guid: "ab+cd", wantErr: true},
		{name: "non-ascii", guid: "тест", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGuid(tt.guid)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateGuid_CaseSensitive(t *testing.T) {
	// Guid регистрозависимый: оба валидны и различны
	assert.NoError(t, ValidateGuid("AbC"))
	assert.NoError(t, ValidateGuid("abc"))
	assert.NotEqual(t, "AbC", "abc")
}
