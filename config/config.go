// Package config is Citadel's typed runtime configuration store: a closed
// set of recognized keys backed by the KVStore's Config table, with
// conservative defaults applied at boot.
package config

import (
	"context"
	"fmt"
	"strconv"

	"citadel.example/server/core"
	"citadel.example/server/kvstore"
)

// Kind is the storage type of a recognized key.
type Kind int

const (
	KindStr Kind = iota
	KindInt
	KindLong
)

// keyDef describes one recognized key and its boot-time default.
type keyDef struct {
	kind    Kind
	strDef  string
	intDef  int32
	longDef int64
}

// Recognized is the closed set of 84 keys the core understands. Unknown
// keys sent by a peer are still accepted and written (see Put*), but the
// core never reads them, per spec 4.2.
var recognized = map[string]keyDef{
	// Identity
	"c_nodename":     {kind: KindStr, strDef: "citadel"},
	"c_fqdn":         {kind: KindStr, strDef: "citadel.example.org"},
	"c_humannode":    {kind: KindStr, strDef: "Citadel Node"},
	"c_phonenumber":  {kind: KindStr},
	"c_sysadm":       {kind: KindStr, strDef: "admin"},
	"c_moderator":    {kind: KindStr},
	"c_admin_email":  {kind: KindStr},

	// Session / worker pool
	"c_sleeping":       {kind: KindInt, intDef: 900},
	"c_maxsessions":    {kind: KindInt, intDef: 500},
	"c_min_workers":    {kind: KindInt, intDef: 4},
	"c_max_workers":    {kind: KindInt, intDef: 64},
	"c_worker_idle_ttl": {kind: KindInt, intDef: 300},
	"c_initax":         {kind: KindInt, intDef: 4},
	"c_regiscall":      {kind: KindInt, intDef: 0},
	"c_twitdetect":     {kind: KindInt, intDef: 0},
	"c_twitroom":       {kind: KindStr, strDef: "Aide"},

	// Auth
	"c_auth_mode":   {kind: KindInt, intDef: int32(AuthNative)},
	"c_chkpwd_path": {kind: KindStr, strDef: "/usr/sbin/citadel-chkpwd"},

	// LDAP
	"c_ldap_host":          {kind: KindStr},
	"c_ldap_port":          {kind: KindInt, intDef: 389},
	"c_ldap_base_dn":       {kind: KindStr},
	"c_ldap_bind_dn":       {kind: KindStr},
	"c_ldap_bind_pw":       {kind: KindStr},
	"c_ldap_uid_attr":      {kind: KindStr, strDef: "uid"},
	"c_ldap_email_attr":    {kind: KindStr, strDef: "mail"},
	"c_ldap_email_overwrite": {kind: KindInt, intDef: 0},
	"c_ldap_sync_interval": {kind: KindInt, intDef: 3600},
	"c_ldap_use_tls":       {kind: KindInt, intDef: 1},

	// Purge / expiry
	"c_purge_hour":          {kind: KindInt, intDef: 4},
	"c_usrexpire_mode":      {kind: KindInt, intDef: 0},
	"c_usrexpire_days":      {kind: KindInt, intDef: 0},
	"c_msgexpire_mode":      {kind: KindInt, intDef: 0},
	"c_msgexpire_days":      {kind: KindInt, intDef: 0},
	"c_visit_purge_days":    {kind: KindInt, intDef: 90},
	"c_usetable_purge_days": {kind: KindInt, intDef: 7},
	"c_roompurge_days":      {kind: KindInt, intDef: 120},

	// Network / listeners
	"c_ip_addr":            {kind: KindStr, strDef: "0.0.0.0"},
	"c_port_number":        {kind: KindInt, intDef: 504},
	"c_secure":             {kind: KindInt, intDef: 0},
	"c_tls_cert_path":      {kind: KindStr},
	"c_tls_key_path":       {kind: KindStr},
	"c_tls_autocert_host":  {kind: KindStr},
	"c_smtp_port":          {kind: KindInt, intDef: 25},
	"c_smtps_port":         {kind: KindInt, intDef: 465},
	"c_msa_port":           {kind: KindInt, intDef: 587},

	// SMTP queue
	"c_smtp_client_timeout":  {kind: KindInt, intDef: 60},
	"c_smtp_queue_interval":  {kind: KindInt, intDef: 60},
	"c_smtp_fullq_interval":  {kind: KindInt, intDef: 900},
	"c_smtp_warn_hours":      {kind: KindInt, intDef: 4},
	"c_smtp_expire_hours":    {kind: KindInt, intDef: 120},
	"c_smtp_max_msg_size":    {kind: KindLong, longDef: 20 << 20},
	"c_smtp_relay_host":      {kind: KindStr},
	"c_smtp_relay_port":      {kind: KindInt, intDef: 25},
	"c_smtp_dkim_selector":   {kind: KindStr, strDef: "citadel"},
	"c_smtp_dkim_domain":     {kind: KindStr},

	// Directory / net config
	"c_net_password":       {kind: KindStr},
	"c_journal_dest":       {kind: KindStr},
	"c_journal_enabled":    {kind: KindInt, intDef: 0},
	"c_default_cal_zone":   {kind: KindStr, strDef: "UTC"},
	"c_enable_fulltext":    {kind: KindInt, intDef: 0},
	"c_allow_aide_internet_mail": {kind: KindInt, intDef: 1},

	// Misc / legacy migration
	"c_bbs_city":         {kind: KindStr},
	"c_bbs_state":        {kind: KindStr},
	"c_setup_level":      {kind: KindInt, intDef: 0},
	"c_disable_newu":     {kind: KindInt, intDef: 0},
	"c_guest_logins":     {kind: KindInt, intDef: 0},
	"c_rbl_at_greeting":  {kind: KindInt, intDef: 0},
	"c_funambol_host":    {kind: KindStr},
	"c_funambol_port":    {kind: KindInt, intDef: 0},
	"c_funambol_source":  {kind: KindStr},
	"c_pftapi_port":      {kind: KindInt, intDef: 0},
	"c_xmpp_c2s_port":    {kind: KindInt, intDef: 0},
	"c_xmpp_s2s_port":    {kind: KindInt, intDef: 0},
	"c_pop3_port":        {kind: KindInt, intDef: 110},
	"c_pop3s_port":       {kind: KindInt, intDef: 995},
	"c_imap_port":        {kind: KindInt, intDef: 143},
	"c_imaps_port":       {kind: KindInt, intDef: 993},
	"c_managesieve_port": {kind: KindInt, intDef: 2020},
	"c_nntp_port":        {kind: KindInt, intDef: 119},
	"c_max_attachment_size": {kind: KindLong, longDef: 50 << 20},
	"c_next_msgnum":      {kind: KindLong, longDef: 1},
	"c_rev_level":        {kind: KindInt, intDef: 0},
	"c_revision_level":   {kind: KindInt, intDef: 1},
	"c_last_control_migration": {kind: KindInt, intDef: 0},
}

// AuthMode mirrors the c_auth_mode values (kept here, rather than in the
// auth package, since it's a stored config value and config must not
// import auth).
type AuthMode int32

const (
	AuthNative AuthMode = iota
	AuthHost
	AuthLDAPPosix
	AuthLDAPAD
)

func (m AuthMode) String() string {
	switch m {
	case AuthNative:
		return "native"
	case AuthHost:
		return "host"
	case AuthLDAPPosix:
		return "ldap-posix"
	case AuthLDAPAD:
		return "ldap-ad"
	default:
		return fmt.Sprintf("AuthMode(%d)", int32(m))
	}
}

// Store is the typed accessor over the KVStore's Config table.
type Store struct {
	conn *kvstore.Conn
	Logf core.Logf
}

// New wraps conn with typed Config access.
func New(conn *kvstore.Conn) *Store {
	return &Store{conn: conn, Logf: func(string, ...interface{}) {}}
}

// GetStr returns the stored string value of key, or its default if unset.
// Querying an unrecognized key returns whatever was written under it, or
// the empty string if nothing was; it is never an error, matching the spec's "unknown keys are accepted but not acted on".
func (s *Store) GetStr(key string) string {
	def, _ := recognized[key]
	raw, err := s.conn.Fetch(kvstore.TableConfig, []byte(key))
	if err != nil {
		return def.strDef
	}
	return string(raw)
}

// GetInt returns the stored int32 value of key, or its default if unset
// or unparsable.
func (s *Store) GetInt(key string) int32 {
	def := recognized[key]
	raw, err := s.conn.Fetch(kvstore.TableConfig, []byte(key))
	if err != nil {
		return def.intDef
	}
	n, err := strconv.ParseInt(string(raw), 10, 32)
	if err != nil {
		return def.intDef
	}
	return int32(n)
}

// GetLong returns the stored int64 value of key, or its default if unset
// or unparsable.
func (s *Store) GetLong(key string) int64 {
	def := recognized[key]
	raw, err := s.conn.Fetch(kvstore.TableConfig, []byte(key))
	if err != nil {
		return def.longDef
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return def.longDef
	}
	return n
}

func (s *Store) PutStr(key, value string) error {
	return s.conn.Store(kvstore.TableConfig, []byte(key), []byte(value))
}

func (s *Store) PutInt(key string, value int32) error {
	return s.conn.Store(kvstore.TableConfig, []byte(key), []byte(strconv.FormatInt(int64(value), 10)))
}

func (s *Store) PutLong(key string, value int64) error {
	return s.conn.Store(kvstore.TableConfig, []byte(key), []byte(strconv.FormatInt(value, 10)))
}

// IsRecognized reports whether key is in the closed set the core acts on.
func IsRecognized(key string) bool {
	_, ok := recognized[key]
	return ok
}

// EnsureDefaults writes the default value of every recognized key that is
// not yet present, matching spec 4.2's "missing required values are
// initialized with conservative defaults" boot step.
func (s *Store) EnsureDefaults() error {
	for key, def := range recognized {
		if _, err := s.conn.Fetch(kvstore.TableConfig, []byte(key)); err == nil {
			continue
		} else if err != core.ErrNotFound {
			return err
		}
		switch def.kind {
		case KindStr:
			if def.strDef == "" {
				continue
			}
			if err := s.PutStr(key, def.strDef); err != nil {
				return err
			}
		case KindInt:
			if err := s.PutInt(key, def.intDef); err != nil {
				return err
			}
		case KindLong:
			if err := s.PutLong(key, def.longDef); err != nil {
				return err
			}
		}
	}
	return nil
}

// legacyControlKey is the KVStore key that held the pre-versioned binary
// control record blob, before it was migrated into typed Config entries.
const legacyControlKey = "__legacy_control_record"

// MigrateLegacyControlRecord converts a pre-versioned binary control
// record, if one is present, into typed Config entries and removes it.
// It is a no-op if no legacy record exists, and is idempotent.
func (s *Store) MigrateLegacyControlRecord(ctx context.Context, parse func([]byte) (map[string]string, error)) error {
	raw, err := s.conn.Fetch(kvstore.TableConfig, []byte(legacyControlKey))
	if err == core.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	fields, err := parse(raw)
	if err != nil {
		return &core.UserError{UserMsg: "legacy control record is corrupt", Err: err}
	}
	for k, v := range fields {
		if !IsRecognized(k) {
			continue
		}
		if err := s.PutStr(k, v); err != nil {
			return err
		}
	}
	return s.conn.Delete(kvstore.TableConfig, []byte(legacyControlKey))
}
