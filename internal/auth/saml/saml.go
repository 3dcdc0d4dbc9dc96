// Package saml integrates the review service with the organisation's identity
// provider as a SAML service provider. Managers land on the review surface
// from an emailed link; the SP session supplies their email and display name
// for queue listing and trail attribution.
//
// When saml.enabled is false a static development principal is injected
// instead so the service runs locally without an IdP.
package saml

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	"github.com/gin-gonic/gin"

	"github.com/disappointingsupernova/access-review/internal/auth"
	"github.com/disappointingsupernova/access-review/internal/config"
)

// attribute names tried, in order, for the principal fields. ADFS and Azure AD
// emit the long claim URIs; most other IdPs emit the short names.
var (
	emailAttributes = []string{
		"mail", "email",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
	}
	nameAttributes = []string{
		"displayName", "cn",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
	}
)

// ServiceProvider wraps the samlsp middleware plus the dev-mode fallback.
type ServiceProvider struct {
	mw  *samlsp.Middleware
	dev auth.Principal
}

// New builds the service provider from configuration. rootURL is the public
// base URL of the review service (scheme://host[:port]).
func New(cfg *config.SAMLConfig, rootURL string) (*ServiceProvider, error) {
	if !cfg.Enabled {
		return &ServiceProvider{
			dev: auth.Principal{
				Email:       cfg.DevPrincipalEmail,
				DisplayName: cfg.DevPrincipalName,
			},
		}, nil
	}

	keyPair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load SP keypair: %w", err)
	}
	keyPair.Leaf, err = x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("failed to parse SP certificate: %w", err)
	}
	key, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("SP private key must be RSA, got %T", keyPair.PrivateKey)
	}

	idpMetadata, err := loadIDPMetadata(cfg.IDPMetadata)
	if err != nil {
		return nil, err
	}

	root, err := url.Parse(rootURL)
	if err != nil {
		return nil, fmt.Errorf("invalid root URL %q: %w", rootURL, err)
	}

	mw, err := samlsp.New(samlsp.Options{
		EntityID:    cfg.EntityID,
		URL:         *root,
		Key:         key,
		Certificate: keyPair.Leaf,
		IDPMetadata: idpMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise SAML SP: %w", err)
	}

	return &ServiceProvider{mw: mw}, nil
}

// Enabled reports whether a real IdP integration is active.
func (s *ServiceProvider) Enabled() bool {
	return s.mw != nil
}

// Attach mounts the SP endpoints (/saml/metadata, /saml/acs, /saml/slo) on the
// router. No-op in dev mode.
func (s *ServiceProvider) Attach(r *gin.Engine) {
	if s.mw == nil {
		return
	}
	handler := gin.WrapH(s.mw)
	r.GET("/saml/*any", handler)
	r.POST("/saml/*any", handler)
}

// RequireSession returns middleware that ensures an authenticated session and
// stores the principal on the gin context. Unauthenticated requests are
// redirected to the IdP by the samlsp middleware. In dev mode the configured
// static principal is injected instead.
func (s *ServiceProvider) RequireSession() gin.HandlerFunc {
	if s.mw == nil {
		return func(c *gin.Context) {
			auth.SetPrincipal(c, s.dev)
			c.Next()
		}
	}

	return func(c *gin.Context) {
		authenticated := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticated = true
			auth.SetPrincipal(c, principalFromRequest(r))
			c.Request = r
		})
		s.mw.RequireAccount(inner).ServeHTTP(c.Writer, c.Request)
		if !authenticated {
			// samlsp wrote the IdP redirect (or an error) itself.
			c.Abort()
			return
		}
		c.Next()
	}
}

func principalFromRequest(r *http.Request) auth.Principal {
	return auth.Principal{
		Email:       firstAttribute(r, emailAttributes),
		DisplayName: firstAttribute(r, nameAttributes),
	}
}

func firstAttribute(r *http.Request, names []string) string {
	for _, name := range names {
		if v := samlsp.AttributeFromContext(r.Context(), name); v != "" {
			return v
		}
	}
	return ""
}

// loadIDPMetadata reads IdP metadata from a URL or a local file path.
func loadIDPMetadata(source string) (*saml.EntityDescriptor, error) {
	if source == "" {
		return nil, fmt.Errorf("saml.idp_metadata is required when SAML is enabled")
	}

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		metadataURL, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("invalid IdP metadata URL %q: %w", source, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		md, err := samlsp.FetchMetadata(ctx, http.DefaultClient, *metadataURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch IdP metadata: %w", err)
		}
		return md, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read IdP metadata file: %w", err)
	}
	md, err := samlsp.ParseMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse IdP metadata: %w", err)
	}
	return md, nil
}
