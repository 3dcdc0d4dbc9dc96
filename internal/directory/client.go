// Package directory reads groups and people from Active Directory over LDAP.
// It is used by the auditor CLI only: the review service never talks to the
// directory at request time — it works from the snapshot the auditor imported.
package directory

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/disappointingsupernova/access-review/internal/config"
)

// Group is a directory group with its raw member DNs.
type Group struct {
	Name      string
	MemberDNs []string
}

// Person is a directory user resolved from a group member DN.
type Person struct {
	Username    string
	Email       string
	DisplayName string
	ManagerDN   string
}

// searcher is the slice of *ldap.Conn the client depends on; swappable in
// tests.
type searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Client is a bound LDAP connection scoped to a base DN.
type Client struct {
	conn   searcher
	baseDN string
}

// Connect dials and binds using the configured credentials. The caller must
// Close the client.
func Connect(cfg *config.LDAPConfig) (*Client, error) {
	scheme := "ldap"
	if cfg.UseSSL() {
		scheme = "ldaps"
	}
	url := fmt.Sprintf("%s://%s:%d", scheme, strings.TrimPrefix(strings.TrimPrefix(cfg.Server, "ldaps://"), "ldap://"), cfg.EffectivePort())

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipCertValidation, //nolint:gosec // operator-controlled relaxation, mirrors skip_cert_validation
	}
	conn, err := ldap.DialURL(url, ldap.DialWithTLSConfig(tlsCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to dial directory %s: %w", url, err)
	}
	if err := conn.Bind(cfg.BindUser, cfg.BindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("directory bind failed for %s: %w", cfg.BindUser, err)
	}
	return &Client{conn: conn, baseDN: cfg.BaseDN}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.conn.Close() //nolint:errcheck
}

// SearchGroups returns all groups whose CN starts with any of the prefixes.
func (c *Client) SearchGroups(prefixes []string) ([]Group, error) {
	var groups []Group
	for _, prefix := range prefixes {
		req := ldap.NewSearchRequest(
			c.baseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
			groupFilter(prefix), []string{"cn", "member"}, nil,
		)
		res, err := c.conn.Search(req)
		if err != nil {
			return nil, fmt.Errorf("group search for prefix %q failed: %w", prefix, err)
		}
		for _, entry := range res.Entries {
			groups = append(groups, Group{
				Name:      entry.GetAttributeValue("cn"),
				MemberDNs: entry.GetAttributeValues("member"),
			})
		}
	}
	return groups, nil
}

// ResolvePerson fetches the user behind a member DN. Returns (nil, nil) for
// entries that exist but are not people — nested groups, contacts, computers —
// which callers skip silently.
func (c *Client) ResolvePerson(memberDN string) (*Person, error) {
	req := ldap.NewSearchRequest(
		memberDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)",
		[]string{"objectClass", "sAMAccountName", "mail", "manager", "givenName", "sn"}, nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry %s: %w", memberDN, err)
	}
	if len(res.Entries) == 0 {
		return nil, fmt.Errorf("no entry at %s", memberDN)
	}

	entry := res.Entries[0]
	if !isPerson(entry.GetAttributeValues("objectClass")) {
		return nil, nil
	}

	username := entry.GetAttributeValue("sAMAccountName")
	if username == "" {
		return nil, fmt.Errorf("entry %s has no sAMAccountName", memberDN)
	}

	return &Person{
		Username:    username,
		Email:       entry.GetAttributeValue("mail"),
		DisplayName: displayName(entry.GetAttributeValue("givenName"), entry.GetAttributeValue("sn")),
		ManagerDN:   entry.GetAttributeValue("manager"),
	}, nil
}

// ManagerEmail resolves the mail attribute of a manager DN. Returns "" when
// the DN is empty or the manager has no mail attribute.
func (c *Client) ManagerEmail(managerDN string) (string, error) {
	if strings.TrimSpace(managerDN) == "" {
		return "", nil
	}
	req := ldap.NewSearchRequest(
		managerDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=person)", []string{"mail"}, nil,
	)
	res, err := c.conn.Search(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch manager %s: %w", managerDN, err)
	}
	if len(res.Entries) == 0 {
		return "", nil
	}
	return res.Entries[0].GetAttributeValue("mail"), nil
}

// groupFilter builds the AD group filter for a CN prefix, escaping the prefix
// so configured values cannot inject filter syntax.
func groupFilter(prefix string) string {
	return fmt.Sprintf("(&(objectClass=group)(cn=%s*))", ldap.EscapeFilter(prefix))
}

// isPerson checks the objectClass values case-insensitively.
func isPerson(objectClasses []string) bool {
	for _, oc := range objectClasses {
		if strings.EqualFold(oc, "person") {
			return true
		}
	}
	return false
}

// displayName joins given name and surname with first-letter capitalization,
// falling back to whichever half is present.
func displayName(givenName, surname string) string {
	return strings.TrimSpace(capitalize(givenName) + " " + capitalize(surname))
}

func capitalize(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}
