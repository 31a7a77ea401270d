package collab

import (
	"errors"
	"fmt"
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrMissingUserId = errors.New("missing user id")

type ByJwt struct {
	UserId      string
	WorkspaceId string
	Name        string
}

func byJwtFromClaims(claims gojwt.MapClaims) *ByJwt {
	byJwt := &ByJwt{}
	if userId, ok := claims["user_id"].(string); ok {
		byJwt.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		byJwt.UserId = sub
	}
	if workspaceId, ok := claims["workspace_id"].(string); ok {
		byJwt.WorkspaceId = workspaceId
	}
	if name, ok := claims["name"].(string); ok {
		byJwt.Name = name
	}
	return byJwt
}

// the client side only reads the claims. The relay owns verification.
func ParseByJwtUnverified(jwt string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims)), nil
}

// ParseByJwt verifies an HMAC signed token.
func ParseByJwt(jwt string, key []byte) (*ByJwt, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return key, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, err
	}
	return byJwtFromClaims(token.Claims.(gojwt.MapClaims)), nil
}

// SignByJwt issues an HMAC signed token for the given identity.
func SignByJwt(byJwt *ByJwt, key []byte) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": byJwt.UserId,
	}
	if byJwt.WorkspaceId != "" {
		claims["workspace_id"] = byJwt.WorkspaceId
	}
	if byJwt.Name != "" {
		claims["name"] = byJwt.Name
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

type ClientAuth struct {
	ByJwt string
	// used when there is no jwt, or the jwt has no user id
	UserId string
}

func (self *ClientAuth) ClientUserId() (string, error) {
	if self.ByJwt != "" {
		byJwt, err := ParseByJwtUnverified(self.ByJwt)
		if err != nil {
			return "", fmt.Errorf("client jwt: %w", err)
		}
		if byJwt.UserId != "" {
			return byJwt.UserId, nil
		}
	}
	if self.UserId != "" {
		return self.UserId, nil
	}
	return "", ErrMissingUserId
}

func (self *ClientAuth) Header() http.Header {
	header := http.Header{}
	if self.ByJwt != "" {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.ByJwt))
	}
	return header
}
