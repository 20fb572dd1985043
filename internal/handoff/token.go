// Package handoff mints and verifies the signed token that carries a
// started room from the lobby into the game host multiplexer.
//
// The token binds the room id, the package that will run, and the player
// list frozen at start time. Game-port connections present it to attach, so
// the multiplexer never has to trust the peer's claimed identity.
package handoff

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apperrors "github.com/louisbranch/gamehall/internal/errors"
)

// DefaultTTL bounds how long a minted token stays presentable.
const DefaultTTL = 5 * time.Minute

// Claims is the decoded content of a handoff token.
type Claims struct {
	RoomID  string   `json:"room_id"`
	Package string   `json:"package"`
	Version int64    `json:"version"`
	Players []string `json:"players"`
	jwt.RegisteredClaims
}

// Signer mints and verifies handoff tokens with an HMAC key shared between
// the lobby and game host roles.
type Signer struct {
	key   []byte
	ttl   time.Duration
	clock func() time.Time
}

// NewSigner creates a Signer. The key must be non-empty.
func NewSigner(key []byte, ttl time.Duration) (*Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("handoff key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{key: key, ttl: ttl, clock: time.Now}, nil
}

// Mint signs a token for a started room.
func (s *Signer) Mint(roomID, pkg string, version int64, players []string) (string, error) {
	if roomID == "" {
		return "", fmt.Errorf("room id is required")
	}
	if len(players) == 0 {
		return "", fmt.Errorf("player list is required")
	}
	now := s.clock()
	claims := Claims{
		RoomID:  roomID,
		Package: pkg,
		Version: version,
		Players: players,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign handoff token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry and returns the decoded claims.
func (s *Signer) Verify(token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil || !parsed.Valid {
		return Claims{}, apperrors.New(apperrors.CodeGameInvalidToken, "handoff token is invalid or expired")
	}
	if claims.RoomID == "" || len(claims.Players) == 0 {
		return Claims{}, apperrors.New(apperrors.CodeGameInvalidToken, "handoff token is missing bindings")
	}
	return claims, nil
}
