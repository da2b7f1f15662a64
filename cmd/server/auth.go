package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"go-polyglot/message"
	"go-polyglot/server"
)

type Claims struct {
	UserID string `json:"sub"`
	jwt.RegisteredClaims
}

var errUnauthenticated = errors.New("unauthenticated")

// authenticate returns the subject of the HS256 bearer token on r.
func authenticate(r *http.Request, secret []byte) (string, error) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || len(secret) == 0 {
		return "", errUnauthenticated
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return "", errUnauthenticated
	}
	return claims.UserID, nil
}

// authHook guards the configured path prefixes. The subject of a valid
// token is forwarded to the guest in cfg.Header; a client-supplied value
// for that header is always dropped.
func authHook(cfg AuthConfig, secret []byte) server.RequestHook {
	header := cfg.Header
	if header == "" {
		header = "X-User-Id"
	}
	return func(r *http.Request) *message.Response {
		r.Header.Del(header)
		if !protected(r.URL.Path, cfg.Prefixes) {
			return nil
		}
		userID, err := authenticate(r, secret)
		if err != nil {
			resp := message.JSON(http.StatusUnauthorized, map[string]string{"detail": "Unauthorized"})
			resp.Headers.Set("WWW-Authenticate", "Bearer")
			return resp
		}
		r.Header.Set(header, userID)
		return nil
	}
}

func protected(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}
