// Package auth carries the authenticated reviewer identity through a request.
// Identity is used for queue listing and trail attribution only — access to an
// individual review record is granted by possession of its secret token, not
// by who the principal is.
package auth

import "github.com/gin-gonic/gin"

// Principal is the identity asserted by the identity provider.
type Principal struct {
	Email       string
	DisplayName string
}

// Label returns the best display string for the principal.
func (p Principal) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Email
}

const principalKey = "auth.principal"

// SetPrincipal stores the principal on the request context.
func SetPrincipal(c *gin.Context, p Principal) {
	c.Set(principalKey, p)
}

// PrincipalFrom retrieves the principal set by the authentication middleware.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}
