package signoff

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Receipt is the verified content of a sign-off token.
type Receipt struct {
	CertificationID string
	Signer          string
	ItemsTotal      int
	ItemsDecided    int
	SignedAt        time.Time
}

// Signer mints and verifies HS256 sign-off receipts. Signing a certification
// produces a token binding the certification id, the signer and the decision
// counts at sign-off time.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// New creates a Signer with the given HMAC secret.
func New(secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signoff secret is required")
	}
	return &Signer{secret: []byte(secret), now: time.Now}, nil
}

// Mint issues a sign-off token for the receipt.
func (s *Signer) Mint(r Receipt) (string, error) {
	if r.CertificationID == "" || r.Signer == "" {
		return "", errors.New("receipt requires certification id and signer")
	}
	signedAt := r.SignedAt
	if signedAt.IsZero() {
		signedAt = s.now().UTC()
	}
	claims := jwt.MapClaims{
		"sub":           r.CertificationID,
		"signer":        r.Signer,
		"items_total":   r.ItemsTotal,
		"items_decided": r.ItemsDecided,
		"iat":           signedAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a sign-off token.
func (s *Signer) Verify(tokenString string) (Receipt, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return Receipt{}, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Receipt{}, errors.New("invalid sign-off token")
	}
	r := Receipt{}
	if sub, ok := claims["sub"].(string); ok {
		r.CertificationID = sub
	}
	if signer, ok := claims["signer"].(string); ok {
		r.Signer = signer
	}
	if v, ok := claims["items_total"].(float64); ok {
		r.ItemsTotal = int(v)
	}
	if v, ok := claims["items_decided"].(float64); ok {
		r.ItemsDecided = int(v)
	}
	if v, ok := claims["iat"].(float64); ok {
		r.SignedAt = time.Unix(int64(v), 0).UTC()
	}
	return r, nil
}
