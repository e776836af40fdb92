package wa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
)

func TestParseOperator(t *testing.T) {
	jid, err := ParseOperator("6281234567890@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "6281234567890", jid.User)
	assert.Equal(t, types.DefaultUserServer, jid.Server)

	jid, err = ParseOperator("+6281234567890")
	require.NoError(t, err)
	assert.Equal(t, "6281234567890@s.whatsapp.net", jid.String())

	_, err = ParseOperator("")
	assert.Error(t, err)
}

func TestEnsureDirAcceptsCurrentDir(t *testing.T) {
	assert.NoError(t, ensureDir("."))
	assert.NoError(t, ensureDir(t.TempDir()+"/nested/store"))
}
