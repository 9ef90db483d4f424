package auth

import (
	"time"

	"examdesk/internal/stories/subjects"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid session token")

// Claims carries the subject the session was issued for. RegisteredClaims.Subject
// holds the SAP ID.
type Claims struct {
	Kind  subjects.Kind `json:"kind"`
	Email string        `json:"email"`
	jwt.RegisteredClaims
}

// Ref is the subject the token speaks for.
func (c *Claims) Ref() subjects.Ref {
	return subjects.Ref{Kind: c.Kind, SapID: c.Subject}
}

// Issuer signs and parses HS256 session tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret, issuer string, ttl time.Duration, now func() time.Time) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: []byte(secret), issuer: issuer, ttl: ttl, now: now}, nil
}

func (i *Issuer) Issue(ref subjects.Ref, email string) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)

	claims := Claims{
		Kind:  ref.Kind,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   ref.SapID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign session token")
	}
	return token, expiresAt, nil
}

func (i *Issuer) Parse(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	if _, err := subjects.ParseKind(string(claims.Kind)); err != nil || claims.Subject == "" {
		return nil, errors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return &claims, nil
}
