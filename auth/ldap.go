package auth

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig carries the c_ldap_* settings needed to bind and search.
type LDAPConfig struct {
	Host       string
	Port       int32
	BaseDN     string
	BindDN     string
	BindPW     string
	UIDAttr    string
	EmailAttr  string
	UseTLS     bool
}

// LDAPSourceImpl binds as the candidate user and fetches their directory
// attributes, for both LDAP-POSIX and LDAP-AD auth modes. The schema
// difference between the two is confined to the filter used to locate
// the user's DN before binding.
type LDAPSourceImpl struct {
	Cfg    LDAPConfig
	ADMode bool
	Logf   func(format string, v ...interface{})
}

func (s *LDAPSourceImpl) dial() (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", s.Cfg.Host, s.Cfg.Port)
	if s.Cfg.UseTLS {
		return ldap.DialURL("ldaps://"+addr, ldap.DialWithTLSConfig(&tls.Config{ServerName: s.Cfg.Host}))
	}
	return ldap.DialURL("ldap://" + addr)
}

// BindAndFetch locates username's DN with a service bind, then re-binds
// as that DN with password to verify credentials, per spec 4.3.
func (s *LDAPSourceImpl) BindAndFetch(ctx context.Context, username, password string) (*DirectoryUser, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("ldap: dial: %v", err)
	}
	defer conn.Close()

	if err := conn.Bind(s.Cfg.BindDN, s.Cfg.BindPW); err != nil {
		return nil, fmt.Errorf("ldap: service bind: %v", err)
	}

	filter := fmt.Sprintf("(%s=%s)", s.Cfg.UIDAttr, ldap.EscapeFilter(username))
	if s.ADMode {
		filter = fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(username))
	}

	req := ldap.NewSearchRequest(
		s.Cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter, []string{"dn", s.Cfg.EmailAttr, "cn"}, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("ldap: search: %v", err)
	}
	if len(res.Entries) != 1 {
		return nil, fmt.Errorf("ldap: user %q not found", username)
	}
	entry := res.Entries[0]

	userConn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("ldap: dial for bind-as-user: %v", err)
	}
	defer userConn.Close()
	if err := userConn.Bind(entry.DN, password); err != nil {
		return nil, fmt.Errorf("ldap: bind as user: %v", err)
	}

	return &DirectoryUser{
		Email:    entry.GetAttributeValue(s.Cfg.EmailAttr),
		FullName: entry.GetAttributeValue("cn"),
	}, nil
}
