package commands

import (
	"testing"

	"github.com/stretchr/testify/require"

	"e2ee/internal/domain"
)

func TestParseRecipient(t *testing.T) {
	ok := map[string]domain.Address{
		"bob":        {User: "bob"},
		"bob/phone":  {User: "bob", Device: "phone"},
		"a.b/c-d_01": {User: "a.b", Device: "c-d_01"},
	}
	for in, want := range ok {
		got, err := parseRecipient(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got)
	}
	for _, in := range []string{"", "/phone", "bob/", "bob/phone/extra"} {
		if _, err := parseRecipient(in); err == nil {
			t.Fatalf("parseRecipient(%q) accepted", in)
		}
	}
}
