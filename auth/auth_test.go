package auth_test

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"citadel.example/server/auth"
	"citadel.example/server/config"
	"citadel.example/server/kvstore"
	"citadel.example/server/userdir"
	"citadel.example/server/util/throttle"
)

type fakeHost struct {
	pass bool
	err  error
}

func (f *fakeHost) Check(ctx context.Context, uid int32, password string) (bool, error) {
	return f.pass, f.err
}

type fakeLDAP struct {
	du  *auth.DirectoryUser
	err error
}

func (f *fakeLDAP) BindAndFetch(ctx context.Context, username, password string) (*auth.DirectoryUser, error) {
	return f.du, f.err
}

func newAuthenticator(t *testing.T) (*auth.Authenticator, *userdir.Dir, *config.Store) {
	t.Helper()
	dir, err := ioutil.TempDir("", "auth-test-")
	if err != nil {
		t.Fatal(err)
	}
	kv, err := kvstore.Open(filepath.Join(dir, "citadel.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })
	conn := kv.Acquire(context.Background())
	t.Cleanup(conn.Release)

	cfg := config.New(conn)
	users := userdir.New(conn)
	a := &auth.Authenticator{
		Config:   cfg,
		Users:    users,
		Throttle: &throttle.Throttle{},
		Logf:     func(string, ...interface{}) {},
		FQDN:     "citadel.example.org",
	}
	return a, users, cfg
}

func TestNativeAuthSuccess(t *testing.T) {
	a, users, cfg := newAuthenticator(t)
	if err := cfg.PutInt("c_auth_mode", int32(auth.ModeNative)); err != nil {
		t.Fatal(err)
	}
	u := &userdir.User{FullName: "Bob", UserNum: 1, Password: "Secret Pass"}
	if err := users.CtdlPutUser(u, 1); err != nil {
		t.Fatal(err)
	}

	if err := a.CheckPassword(context.Background(), u, "secretpass"); err != nil {
		t.Fatalf("expected success (case/space-insensitive match): %v", err)
	}
	if err := a.CheckPassword(context.Background(), u, "wrong"); err != auth.ErrBadCredentials {
		t.Errorf("err = %v, want ErrBadCredentials", err)
	}
}

func TestHostAuth(t *testing.T) {
	a, users, cfg := newAuthenticator(t)
	if err := cfg.PutInt("c_auth_mode", int32(auth.ModeHost)); err != nil {
		t.Fatal(err)
	}
	a.Host = &fakeHost{pass: true}
	u := &userdir.User{FullName: "root", UserNum: 0, HostOSUID: 0}
	if err := users.CtdlPutUser(u, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.CheckPassword(context.Background(), u, "whatever"); err != nil {
		t.Fatal(err)
	}

	a.Host = &fakeHost{pass: false}
	if err := a.CheckPassword(context.Background(), u, "whatever"); err != auth.ErrBadCredentials {
		t.Errorf("err = %v, want ErrBadCredentials", err)
	}
}

func TestLDAPAuthSyncsEmail(t *testing.T) {
	a, users, cfg := newAuthenticator(t)
	if err := cfg.PutInt("c_auth_mode", int32(auth.ModeLDAPPosix)); err != nil {
		t.Fatal(err)
	}
	if err := cfg.PutInt("c_ldap_email_overwrite", 1); err != nil {
		t.Fatal(err)
	}
	a.LDAP = &fakeLDAP{du: &auth.DirectoryUser{Email: "carol@directory.example.org"}}

	u := &userdir.User{FullName: "Carol", UserNum: 3}
	if err := users.CtdlPutUser(u, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.CheckPassword(context.Background(), u, "anything"); err != nil {
		t.Fatal(err)
	}
	if u.CanonicalEmail() != "carol@directory.example.org" {
		t.Errorf("email not synced from directory: %q", u.CanonicalEmail())
	}
}

func TestDoLoginElevatesSysadm(t *testing.T) {
	a, users, cfg := newAuthenticator(t)
	if err := cfg.PutStr("c_sysadm", "Carol"); err != nil {
		t.Fatal(err)
	}
	u := &userdir.User{FullName: "Carol", UserNum: 3, AxLevel: userdir.AxLocal}
	if err := users.CtdlPutUser(u, 1); err != nil {
		t.Fatal(err)
	}

	prev, err := a.DoLogin(u)
	if err != nil {
		t.Fatal(err)
	}
	if prev != 0 {
		t.Errorf("prevLogin = %d, want 0", prev)
	}
	if u.AxLevel != userdir.AxAide {
		t.Errorf("AxLevel = %d, want AxAide", u.AxLevel)
	}
	if u.TimesCalled != 1 {
		t.Errorf("TimesCalled = %d, want 1", u.TimesCalled)
	}
	if u.CanonicalEmail() == "" {
		t.Error("expected auto-generated mail address")
	}
}

func TestPrincipalID(t *testing.T) {
	u := &userdir.User{FullName: "IGnatius T. Foonman"}
	if got, want := auth.PrincipalID(u, "uncensored.citadel.org"), "ignatiustfoonman@uncensored.citadel.org"; got != want {
		t.Errorf("PrincipalID = %q, want %q", got, want)
	}
}
