package secretsmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	creds, err := ParseCredentials("node:s3cr:et\n")
	require.NoError(t, err)
	assert.Equal(t, "node", creds.Username)
	assert.Equal(t, "s3cr:et", creds.Password)

	_, err = ParseCredentials("nocolon")
	assert.Error(t, err)

	_, err = ParseCredentials(":password")
	assert.Error(t, err)
}
