package hub

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingCredential is returned when no token was presented
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers malformed, badly signed and expired tokens
	ErrInvalidCredential = errors.New("invalid credential")
)

// Identity is the decoded connection credential. A nil AllowedPlants
// slice means the identity may join any plant.
type Identity struct {
	Subject       string
	AllowedPlants []string
}

// MayJoin reports whether the identity is authorized for the plant.
func (id *Identity) MayJoin(plantID string) bool {
	if id.AllowedPlants == nil {
		return true
	}
	for _, p := range id.AllowedPlants {
		if p == plantID {
			return true
		}
	}
	return false
}

type sessionClaims struct {
	jwt.RegisteredClaims
	AllowedPlants []string `json:"allowedPlants,omitempty"`
}

// Authenticator verifies connection credentials: signature, expiry and
// signing algorithm against the configured allow-list.
type Authenticator struct {
	secret  []byte
	methods []string
}

// NewAuthenticator creates an authenticator. An empty secret disables
// verification and admits every connection with an unrestricted identity.
func NewAuthenticator(secret string, algorithms []string) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		methods: algorithms,
	}
}

// Authenticate verifies the credential and returns the identity it
// carries. Every failure maps to unauthorized; no session state exists
// for a connection that fails here.
func (a *Authenticator) Authenticate(credential string) (*Identity, error) {
	if len(a.secret) == 0 {
		return &Identity{Subject: "anonymous"}, nil
	}

	if credential == "" {
		return nil, ErrMissingCredential
	}

	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(
		credential,
		claims,
		func(t *jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods(a.methods),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	return &Identity{
		Subject:       claims.Subject,
		AllowedPlants: claims.AllowedPlants,
	}, nil
}
