package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/BranchManager69/degenduel-ws/internal/store"
)

// Claims are the JWT claims the auth service issues. The gateway only
// verifies; issuance lives elsewhere.
type Claims struct {
	WalletAddress string `json:"wallet_address"`
	Role          string `json:"role"`
	jwt.RegisteredClaims
}

// ErrNoToken is returned when the request carried no token at all.
var ErrNoToken = errors.New("auth: no token supplied")

// ErrUnknownPrincipal is returned for a valid signature whose wallet
// has no user record. Treated as unauthenticated by the engine.
var ErrUnknownPrincipal = errors.New("auth: unknown principal")

// Verifier validates tokens against the static signing secret and
// resolves principals through the user store.
type Verifier struct {
	secret []byte
	users  store.UserStore
	logger zerolog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(secret string, users store.UserStore, logger zerolog.Logger) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		users:  users,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// VerifyToken checks signature and expiry and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// Resolve turns verified claims into a Principal using the user store.
// The store's role wins over the token's role claim; a mismatch is
// logged but not fatal.
func (v *Verifier) Resolve(ctx context.Context, claims *Claims) (*Principal, error) {
	user, err := v.users.GetUserByWallet(ctx, claims.WalletAddress)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownPrincipal
	}
	if err != nil {
		return nil, fmt.Errorf("resolve principal %s: %w", claims.WalletAddress, err)
	}

	role := Role(user.Role)
	if !role.Valid() {
		role = RoleUser
	}
	if claims.Role != "" && claims.Role != string(role) {
		v.logger.Warn().
			Str("wallet", claims.WalletAddress).
			Str("token_role", claims.Role).
			Str("store_role", string(role)).
			Msg("Role mismatch between token and user store; store wins")
	}

	return &Principal{
		Wallet:   user.Wallet,
		Role:     role,
		Nickname: user.Nickname,
	}, nil
}

// Authenticate extracts, verifies and resolves in one step during the
// upgrade handshake. Returns ErrNoToken when nothing was offered so
// the engine can distinguish "anonymous" from "bad token".
func (v *Verifier) Authenticate(ctx context.Context, r *http.Request, mode Mode) (*Principal, error) {
	tokenString := ExtractToken(r, mode)
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims, err := v.VerifyToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		// ParseWithClaims already enforces expiry; kept as a guard for
		// tokens issued without the exp claim validator.
		return nil, errors.New("auth: token expired")
	}

	return v.Resolve(ctx, claims)
}
