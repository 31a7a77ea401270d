package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestByJwt(t *testing.T) {
	key := []byte("test-key")

	signed, err := SignByJwt(&ByJwt{
		UserId:      "user-a",
		WorkspaceId: "workspace-1",
		Name:        "Ada",
	}, key)
	assert.Equal(t, err, nil)

	byJwt, err := ParseByJwt(signed, key)
	assert.Equal(t, err, nil)
	assert.Equal(t, byJwt.UserId, "user-a")
	assert.Equal(t, byJwt.WorkspaceId, "workspace-1")
	assert.Equal(t, byJwt.Name, "Ada")

	_, err = ParseByJwt(signed, []byte("other-key"))
	assert.NotEqual(t, err, nil)

	unverified, err := ParseByJwtUnverified(signed)
	assert.Equal(t, err, nil)
	assert.Equal(t, unverified.UserId, "user-a")

	_, err = ParseByJwtUnverified("not.a.jwt")
	assert.NotEqual(t, err, nil)
}

func TestClientAuth(t *testing.T) {
	signed, err := SignByJwt(&ByJwt{UserId: "user-a"}, []byte("test-key"))
	assert.Equal(t, err, nil)

	auth := &ClientAuth{
		ByJwt:  signed,
		UserId: "fallback",
	}
	userId, err := auth.ClientUserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "user-a")
	assert.Equal(t, auth.Header().Get("Authorization"), "Bearer "+signed)

	auth = &ClientAuth{
		UserId: "user-b",
	}
	userId, err = auth.ClientUserId()
	assert.Equal(t, err, nil)
	assert.Equal(t, userId, "user-b")
	assert.Equal(t, auth.Header().Get("Authorization"), "")

	auth = &ClientAuth{}
	_, err = auth.ClientUserId()
	assert.Equal(t, err, ErrMissingUserId)
}
