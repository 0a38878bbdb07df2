package jwtx_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/authcore/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestClaimsValidate(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	opts := jwtx.VerifyOptions{Issuer: "authcore", Audience: []string{"admin", "portal"}}

	valid := func() jwtx.Claims {
		return jwtx.NewAccessClaims(jwtx.PrincipalMember, "42", "", time.Minute, "authcore", []string{"portal"}, now)
	}

	tests := []struct {
		name   string
		mutate func(*jwtx.Claims)
		opts   jwtx.VerifyOptions
		want   error
	}{
		{"valid", func(*jwtx.Claims) {}, opts, nil},
		{"no expectations", func(c *jwtx.Claims) { c.Issuer, c.Audience = "", nil }, jwtx.VerifyOptions{}, nil},
		{"expired", func(c *jwtx.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, opts, jwtx.ErrExpired},
		{
			"expired within leeway",
			func(c *jwtx.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-10 * time.Second)) },
			jwtx.VerifyOptions{Issuer: "authcore", Leeway: 30 * time.Second},
			nil,
		},
		{"not yet valid", func(c *jwtx.Claims) { c.NotBefore = jwt.NewNumericDate(now.Add(time.Minute)) }, opts, jwtx.ErrNotYetValid},
		{"missing exp", func(c *jwtx.Claims) { c.ExpiresAt = nil }, opts, jwtx.ErrInvalidClaim},
		{"wrong issuer", func(c *jwtx.Claims) { c.Issuer = "someone-else" }, opts, jwtx.ErrIssuer},
		{"no audience match", func(c *jwtx.Claims) { c.Audience = []string{"billing"} }, opts, jwtx.ErrAudience},
		{"missing subject", func(c *jwtx.Claims) { c.Subject = "" }, opts, jwtx.ErrInvalidClaim},
		{"unknown principal type", func(c *jwtx.Claims) { c.PrincipalType = "ROBOT" }, opts, jwtx.ErrInvalidClaim},
		{
			"expiry wins over issuer",
			func(c *jwtx.Claims) {
				c.Issuer = "someone-else"
				c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Hour))
			},
			opts,
			jwtx.ErrExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate(now, tt.opts)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewAccessClaims(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c := jwtx.NewAccessClaims(jwtx.PrincipalMember, "42", "01JSESSION", 5*time.Minute, "authcore", []string{"admin"}, now)

	require.Equal(t, "MEMBER", c.PrincipalType)
	require.Equal(t, "42", c.PrincipalID())
	require.Equal(t, "01JSESSION", c.SID)
	require.Equal(t, now.Add(5*time.Minute), c.ExpiresAt.Time)
	require.Equal(t, now, c.IssuedAt.Time)
	require.NotEmpty(t, c.ID)
	require.NotEqual(t, c.ID, jwtx.NewJTI())
}
