package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenScope   = errors.New("token does not cover this file")
)

const issuer = "uploader"

// URLClaims bind a token to one stored file.
type URLClaims struct {
	Disk string `json:"disk"`
	Path string `json:"path"`
	jwt.RegisteredClaims
}

// URLSigner issues and checks the tokens carried by links of private disks.
type URLSigner struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time
}

func NewURLSigner(secretKey string, ttl time.Duration) *URLSigner {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &URLSigner{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *URLSigner) Sign(disk, path string) (string, error) {
	now := s.now()
	claims := &URLClaims{
		Disk: disk,
		Path: path,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// Verify checks the token signature and expiry and that it was issued for
// disk and path.
func (s *URLSigner) Verify(tokenString, disk, path string) (*URLClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &URLClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*URLClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Disk != disk || claims.Path != path {
		return nil, ErrTokenScope
	}
	return claims, nil
}

// TokenFromRequest reads the token query parameter, falling back to a
// bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}
