// Package auth implements Citadel's pluggable identity verification:
// native, host (external chkpwd helper), and LDAP (POSIX or AD schema)
// modes, plus the do_login elevation rules shared by all of them.
package auth

import (
	"context"
	"strings"
	"time"

	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/userdir"
	"citadel.example/server/util/throttle"
)

// Mode mirrors config.AuthMode; re-exported here so callers that only
// import auth don't also need to import config.
type Mode = config.AuthMode

const (
	ModeNative    = config.AuthNative
	ModeHost      = config.AuthHost
	ModeLDAPPosix = config.AuthLDAPPosix
	ModeLDAPAD    = config.AuthLDAPAD
)

var ErrBadCredentials = &core.UserError{UserMsg: "Wrong password, or user not found."}

// HostChecker is satisfied by *Chkpwd; abstracted so Authenticator can be
// constructed without a live subprocess in tests.
type HostChecker interface {
	Check(ctx context.Context, uid int32, password string) (bool, error)
}

// LDAPSource is satisfied by *LDAPSourceImpl; abstracted for the same reason.
type LDAPSource interface {
	BindAndFetch(ctx context.Context, username, password string) (*DirectoryUser, error)
}

// DirectoryUser is what a directory bind-and-search returns for syncing
// into a userdir.User.
type DirectoryUser struct {
	UID        int32
	Email      string
	FullName   string
}

// Authenticator is the single entry point protocol modules call to check
// credentials, regardless of the configured mode.
type Authenticator struct {
	Config   *config.Store
	Users    *userdir.Dir
	Host     HostChecker
	LDAP     LDAPSource
	Throttle *throttle.Throttle
	Logf     core.Logf
	FQDN     string
}

// normalizePassword strips spaces and upper-cases, matching spec 4.3's
// "canonicalized (stripped) and compared case-insensitively" rule for
// native mode.
func normalizePassword(s string) string {
	return strings.ToUpper(strings.ReplaceAll(s, " ", ""))
}

// CheckPassword verifies candidate against u according to the configured
// auth mode. It does not mutate u; callers run do_login separately on
// success.
func (a *Authenticator) CheckPassword(ctx context.Context, u *userdir.User, candidate string) error {
	start := time.Now()
	log := core.LogEntry{Where: "auth", What: "check_password", When: start,
		Data: map[string]interface{}{"user": u.FullName}}
	var err error
	defer func() {
		log.Duration = time.Since(start)
		log.Err = err
		a.Logf("%s", log.String())
	}()

	a.Throttle.Throttle(u.FullName)
	defer func() {
		if err != nil {
			a.Throttle.Add(u.FullName)
		}
	}()

	mode := config.AuthMode(a.Config.GetInt("c_auth_mode"))
	switch mode {
	case ModeNative:
		if normalizePassword(candidate) != normalizePassword(u.Password) {
			err = ErrBadCredentials
			return err
		}
		return nil

	case ModeHost:
		ok, herr := a.Host.Check(ctx, u.HostOSUID, candidate)
		if herr != nil {
			err = herr
			return err
		}
		if !ok {
			err = ErrBadCredentials
			return err
		}
		return nil

	case ModeLDAPPosix, ModeLDAPAD:
		du, lerr := a.LDAP.BindAndFetch(ctx, u.FullName, candidate)
		if lerr != nil {
			err = ErrBadCredentials
			return err
		}
		if a.Config.GetInt("c_ldap_email_overwrite") != 0 && du.Email != "" {
			u.EmailAddrs = []string{du.Email}
		}
		return nil

	default:
		err = &core.UserError{UserMsg: "auth mode not configured"}
		return err
	}
}

// DoLogin applies the post-authentication elevation rules: increments
// times-called, records previous-login time, elevates to AxAide if the
// subject matches c_sysadm, and (Host mode only) if the host uid is 0.
// It returns the previous LastCall value for the client's login reply.
func (a *Authenticator) DoLogin(u *userdir.User) (prevLogin int64, err error) {
	prevLogin = u.LastCall
	u.TimesCalled++
	u.LastCall = time.Now().Unix()

	if strings.EqualFold(userdir.MakeUserKey(u.FullName), userdir.MakeUserKey(a.Config.GetStr("c_sysadm"))) {
		u.AxLevel = userdir.AxAide
	}
	mode := config.AuthMode(a.Config.GetInt("c_auth_mode"))
	if mode == ModeHost && u.HostOSUID == 0 {
		u.AxLevel = userdir.AxAide
	}

	a.Users.EnsureMailAddress(u, a.FQDN)
	if err := a.Users.CtdlPutUser(u, u.Revision); err != nil {
		return prevLogin, err
	}
	return prevLogin, nil
}

// PrincipalID returns the never-aliased principal identifier for u, used
// by the session layer to seed CitContext.
func PrincipalID(u *userdir.User, fqdn string) string {
	return userdir.MakeUserKey(u.FullName) + "@" + fqdn
}
