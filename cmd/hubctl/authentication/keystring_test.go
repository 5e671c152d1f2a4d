package authentication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestTokenRoundTrip(t *testing.T) {
	keyring.MockInit()

	_, err := GetToken()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, StoreToken(&StoredCredentials{Token: "abc", Subject: "ops", ExpiresAt: 42}))
	creds, err := GetToken()
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.Token)
	assert.Equal(t, "ops", creds.Subject)

	require.NoError(t, DeleteToken())
	require.NoError(t, DeleteToken())
	_, err = GetToken()
	assert.ErrorIs(t, err, ErrNoToken)
}
