package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/callwarden/internal/model"
)

// ErrNoToken means the request carried no bearer token.
var ErrNoToken = errors.New("missing bearer token")

// registered claims that never become principal claims
var reservedClaims = map[string]bool{
	"iss": true, "sub": true, "aud": true, "exp": true, "nbf": true, "iat": true, "jti": true,
	"service_id": true, "org_id": true, "role": true, "ticket_ref": true,
}

// JWTValidator turns an HMAC-signed bearer token into a Principal. The
// subject becomes user_id; service_id, org_id, role and ticket_ref are
// read from same-named claims; any other claim lands in Claims.
type JWTValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewJWTValidator returns nil when secret is empty.
func NewJWTValidator(secret []byte, issuer, audience string) *JWTValidator {
	if len(secret) == 0 {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTValidator{secret: secret, opts: opts}
}

// Validate parses and verifies a token.
func (v *JWTValidator) Validate(tokenStr string) (*model.Principal, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	sub, _ := claims.GetSubject()
	p := &model.Principal{
		UserID:    sub,
		ServiceID: stringClaim(claims, "service_id"),
		OrgID:     stringClaim(claims, "org_id"),
		Role:      stringClaim(claims, "role"),
		TicketRef: stringClaim(claims, "ticket_ref"),
	}
	for k, val := range claims {
		if reservedClaims[k] {
			continue
		}
		if p.Claims == nil {
			p.Claims = make(map[string]any)
		}
		p.Claims[k] = val
	}
	return p, nil
}

func stringClaim(c jwt.MapClaims, key string) string {
	s, _ := c[key].(string)
	return s
}

// bearerToken extracts the token from the authorization metadata.
func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrNoToken
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", ErrNoToken
	}
	parts := strings.SplitN(vals[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization metadata (expected 'Bearer <token>')")
	}
	return strings.TrimSpace(parts[1]), nil
}

type principalKey struct{}

// principalFrom returns the principal attached by the auth interceptor.
func principalFrom(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(principalKey{}).(*model.Principal)
	return p
}

// authInterceptor attaches the token principal to the context. With a nil
// validator tokens are ignored. When required, calls without a valid token
// are rejected.
func authInterceptor(v *JWTValidator, required bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if v == nil {
			return handler(ctx, req)
		}
		tok, err := bearerToken(ctx)
		if err != nil {
			if required || !errors.Is(err, ErrNoToken) {
				return nil, status.Error(codes.Unauthenticated, err.Error())
			}
			return handler(ctx, req)
		}
		p, err := v.Validate(tok)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(context.WithValue(ctx, principalKey{}, p), req)
	}
}
