// citadeld is the Citadel groupware kernel: it owns the KVStore, the
// directory and message stores built on it, the auth pipeline, the
// outbound SMTP queue, TLS bootstrap, the housekeeping loop, and the
// session dispatcher that accepts connections and hands them to
// whatever protocol modules are registered. The native line protocol
// (modules/native) and a minimal inbound SMTP module (modules/smtpin)
// ship here; every other wire protocol is an external collaborator
// dispatched through the same ServiceRegistry.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"crawshaw.io/iox"

	"citadel.example/server/auth"
	"citadel.example/server/config"
	"citadel.example/server/core"
	"citadel.example/server/email/dkim"
	"citadel.example/server/housekeeping"
	"citadel.example/server/internal/bootstrap"
	"citadel.example/server/kvstore"
	"citadel.example/server/migration"
	"citadel.example/server/modules/native"
	"citadel.example/server/modules/smtpin"
	"citadel.example/server/msgstore"
	"citadel.example/server/registry"
	"citadel.example/server/roomdir"
	"citadel.example/server/sessions"
	"citadel.example/server/smtp/smtpclient"
	"citadel.example/server/smtpqueue"
	"citadel.example/server/tlsmgr"
	"citadel.example/server/userdir"
	"citadel.example/server/util/throttle"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

// Exit codes per spec 6. Anything not listed here falls through to
// log.Fatal/os.Exit(1), which a process watcher treats as transient and
// worth restarting.
const (
	exitOK                   = 0
	exitConfigError          = 101
	exitHomeDirMissing       = 103
	exitDBInitFailed         = 105
	exitUnsupportedAuth      = 107
	exitCryptoInitFailed     = 109
)

func fatal(code int, format string, args ...interface{}) {
	log.Printf(format, args...)
	os.Exit(code)
}

func main() {
	log.SetFlags(0)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	flagFacility := flag.String("l", "", "syslog facility (unused, logs to stderr)")
	flagUser := flag.String("u", "", "drop privileges to this user or uid")
	flagNoDropRoot := flag.Bool("r", false, "do not drop root")
	flagSelfTest := flag.Bool("t", false, "self-test binary compatibility and exit")
	flagSanity := flag.String("s", "", "sanity-check diagnostic mode")
	_, _, _ = *flagFacility, *flagUser, *flagNoDropRoot

	// boot carries only the handful of settings needed before the
	// KVStore can be opened (spec 10.3); everything else is runtime
	// config loaded from the store itself once it exists.
	boot, err := bootstrap.Load(flag.CommandLine, os.Args[1:])
	if err != nil {
		fatal(exitConfigError, "citadeld: %v", err)
	}

	if *flagSelfTest {
		fmt.Println("citadeld", version, "ok")
		os.Exit(exitOK)
	}
	if *flagSanity != "" {
		log.Printf("sanity mode %q: nothing to report", *flagSanity)
		os.Exit(exitOK)
	}

	if boot.HomeDir == "" {
		fatal(exitHomeDirMissing, "citadeld: -h <dir> is required")
	}
	if fi, err := os.Stat(boot.HomeDir); err != nil || !fi.IsDir() {
		fatal(exitHomeDirMissing, "citadeld: home dir %s: %v", boot.HomeDir, err)
	}

	if boot.Daemonize {
		pidFile := boot.PIDFile
		if pidFile == "" {
			pidFile = filepath.Join(boot.HomeDir, "citserver.pid")
		}
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			log.Printf("citadeld: could not write pidfile %s: %v", pidFile, err)
		}
	}

	for _, sub := range []string{"data", "messages", "files", "keys", "run", "network"} {
		if err := os.MkdirAll(filepath.Join(boot.HomeDir, sub), 0700); err != nil {
			fatal(exitHomeDirMissing, "citadeld: mkdir %s: %v", sub, err)
		}
	}

	log.Printf("citadeld %s starting, home=%s, pid=%d", version, boot.HomeDir, os.Getpid())

	logf := core.Logf(log.Printf)

	kv, err := kvstore.Open(filepath.Join(boot.HomeDir, "data", "citadel.db"))
	if err != nil {
		fatal(exitDBInitFailed, "citadeld: kvstore open: %v", err)
	}
	kv.Logf = logf
	kv.FatalFn = func(err error) { fatal(exitDBInitFailed, "citadeld: fatal kv error: %v", err) }
	defer kv.Close()

	bootConn := kv.Acquire(context.Background())
	cfg := config.New(bootConn)
	cfg.Logf = logf
	if err := cfg.EnsureDefaults(); err != nil {
		fatal(exitConfigError, "citadeld: config defaults: %v", err)
	}
	// The bootstrap listen address/port win over whatever is already
	// persisted in the store: unlike every other c_* key, these two are
	// also meaningful before the store exists, so the command line (or
	// its TOML file) is taken as authoritative on every start.
	if err := cfg.PutStr("c_ip_addr", boot.IPAddr); err != nil {
		log.Printf("citadeld: set c_ip_addr: %v", err)
	}
	if err := cfg.PutInt("c_port_number", int32(boot.PortNumber)); err != nil {
		log.Printf("citadeld: set c_port_number: %v", err)
	}

	users := userdir.New(bootConn)
	rooms := roomdir.New(bootConn)

	filer := iox.NewFiler(0)
	tempdir, err := os.MkdirTemp("", "citadeld-")
	if err != nil {
		fatal(exitDBInitFailed, "citadeld: tempdir: %v", err)
	}
	filer.SetTempdir(tempdir)

	rq, err := msgstore.OpenRefQueue(filepath.Join(boot.HomeDir, "refcount_adjustments.dat"))
	if err != nil {
		fatal(exitDBInitFailed, "citadeld: refqueue open: %v", err)
	}
	rq.Logf = logf
	defer rq.Close()

	msgs := msgstore.New(bootConn, cfg, rq)

	if err := bootstrapRooms(rooms); err != nil {
		fatal(exitConfigError, "citadeld: bootstrap rooms: %v", err)
	}
	if err := rooms.RebuildFloorRefCounts(); err != nil {
		log.Printf("citadeld: rebuild floor refcounts: %v", err)
	}

	fqdn := cfg.GetStr("c_fqdn")
	if fqdn == "" {
		fqdn = hostname
	}

	authn := &auth.Authenticator{
		Config:   cfg,
		Users:    users,
		Throttle: &throttle.Throttle{},
		Logf:     logf,
		FQDN:     fqdn,
	}
	switch auth.Mode(cfg.GetInt("c_auth_mode")) {
	case auth.ModeNative:
		// authn.Host/LDAP stay nil; CheckPassword compares u.Password directly.
	case auth.ModeHost:
		child, err := auth.StartChkpwd(cfg.GetStr("c_chkpwd_path"))
		if err != nil {
			log.Printf("citadeld: chkpwd unavailable (%v), host auth will fail closed", err)
		} else {
			child.Logf = logf
			authn.Host = child
			defer child.Close()
		}
	case auth.ModeLDAPPosix, auth.ModeLDAPAD:
		authn.LDAP = &auth.LDAPSourceImpl{
			Cfg: auth.LDAPConfig{
				Host:      cfg.GetStr("c_ldap_host"),
				Port:      cfg.GetInt("c_ldap_port"),
				BaseDN:    cfg.GetStr("c_ldap_base_dn"),
				BindDN:    cfg.GetStr("c_ldap_bind_dn"),
				BindPW:    cfg.GetStr("c_ldap_bind_pw"),
				UIDAttr:   cfg.GetStr("c_ldap_uid_attr"),
				EmailAttr: cfg.GetStr("c_ldap_email_attr"),
				UseTLS:    cfg.GetInt("c_ldap_use_tls") != 0,
			},
			ADMode: auth.Mode(cfg.GetInt("c_auth_mode")) == auth.ModeLDAPAD,
			Logf:   logf,
		}
	default:
		fatal(exitUnsupportedAuth, "citadeld: unrecognized c_auth_mode %d", cfg.GetInt("c_auth_mode"))
	}

	tm, err := tlsmgr.Open(filepath.Join(boot.HomeDir, "keys"), logf)
	if err != nil {
		fatal(exitCryptoInitFailed, "citadeld: tlsmgr: %v", err)
	}

	reg := registry.New()

	client := smtpclient.NewClient(fqdn, int(cfg.GetInt("c_max_workers")))
	client.Logf = smtpclient.Logf(logf)

	queue, err := smtpqueue.New(msgs, rooms, cfg, client, fqdn)
	if err != nil {
		fatal(exitConfigError, "citadeld: smtpqueue: %v", err)
	}
	queue.Logf = logf
	queue.RegisterAfterSave()
	if signer, err := loadOrCreateDKIMSigner(filepath.Join(boot.HomeDir, "keys"), cfg); err != nil {
		log.Printf("citadeld: dkim signer unavailable, outbound mail will go out unsigned: %v", err)
	} else {
		queue.Signer = signer
	}

	mod := &native.Module{
		Users: users,
		Rooms: rooms,
		Msgs:  msgs,
		Cfg:   cfg,
		Auth:  authn,
		Reg:   reg,
		FQDN:  fqdn,
		Logf:  logf,
	}
	if err := mod.Register(reg); err != nil {
		fatal(exitConfigError, "citadeld: native module: %v", err)
	}

	uds := filepath.Join(boot.HomeDir, "run", "citadel.socket")
	if _, err := reg.RegisterService("citadel", uds, mod.Greeting, mod.Command, nil); err != nil {
		log.Printf("citadeld: register uds listener %s: %v", uds, err)
	}
	adminSrv := &migration.Server{KV: kv, Logf: logf}
	adminUDS := filepath.Join(boot.HomeDir, "run", "citadel-admin.socket")
	if _, err := reg.RegisterService("citadel-admin", adminUDS, adminSrv.Greeting, adminSrv.Command, nil); err != nil {
		log.Printf("citadeld: register admin uds listener %s: %v", adminUDS, err)
	}
	if port := cfg.GetInt("c_port_number"); port != 0 {
		addr := net.JoinHostPort(cfg.GetStr("c_ip_addr"), strconv.Itoa(int(port)))
		if _, err := reg.RegisterService("citadel-tcp", addr, mod.Greeting, mod.Command, nil); err != nil {
			log.Printf("citadeld: register tcp listener %s: %v", addr, err)
		}
	}

	// smtpin is a minimal demonstration of the protocol-module contract
	// for a second, independently registered protocol (spec 4.12); it is
	// not a substitute for a real MTA front door.
	inMod := &smtpin.Module{
		Users:    users,
		Rooms:    rooms,
		Msgs:     msgs,
		Verifier: &dkim.Verifier{},
		FQDN:     fqdn,
		Logf:     logf,
	}
	if port := cfg.GetInt("c_smtp_port"); port != 0 {
		addr := net.JoinHostPort(cfg.GetStr("c_ip_addr"), strconv.Itoa(int(port)))
		if _, err := reg.RegisterService("smtp-in", addr, inMod.Greeting, inMod.Command, nil); err != nil {
			log.Printf("citadeld: register smtp-in listener %s: %v", addr, err)
		}
	}

	table := sessions.NewTable()
	dispatcher := sessions.NewDispatcher(reg, table)
	dispatcher.MaxSessions = cfg.GetInt("c_maxsessions")
	dispatcher.MaxWorkers = cfg.GetInt("c_max_workers")
	dispatcher.IdleTimeout = time.Duration(cfg.GetInt("c_sleeping")) * time.Second
	dispatcher.Logf = logf

	if prevPID, coreHint, crashed := detectUncleanShutdown(boot.HomeDir); crashed {
		if err := housekeeping.PostCrashNotice(bootConn, cfg, rq, prevPID, coreHint); err != nil {
			log.Printf("citadeld: post crash notice: %v", err)
		}
	}
	// bootConn stays open for the life of the process: it backs cfg,
	// users, rooms, and msgs, all of which the session dispatcher and
	// the SMTP queue keep calling for as long as citadeld runs. Only
	// housekeeping gets its own dedicated connection (see NewLoop),
	// matching spec 5's per-thread connection model.
	defer bootConn.Release()

	loop := housekeeping.NewLoop(kv, reg, table, rq, fqdn)
	loop.Logf = logf
	defer loop.Close()

	stop := make(chan struct{})
	var shutdownOnce sync.Once

	go loop.Run(stop, 5*time.Second)
	go runQueuePasses(stop, queue, cfg)
	go reapIdleLoop(stop, table, dispatcher, logf)
	go dispatcher.Serve(stop)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	writePIDMarker(boot.HomeDir)
	defer removePIDMarker(boot.HomeDir)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := tm.CheckReload(); err != nil {
				log.Printf("citadeld: sighup tls reload: %v", err)
			}
			log.Printf("citadeld: sighup, tls material re-checked")
			continue
		}
		log.Printf("citadeld: %s received, shutting down", sig)
		break
	}

	shutdownOnce.Do(func() {
		loop.CtdlDisableHousekeeping()
		close(stop)
		reg.Shutdown(nil)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := filer.Shutdown(ctx); err != nil {
			log.Printf("citadeld: filer shutdown: %v", err)
		}
	})

	log.Printf("citadeld: shut down cleanly")
	os.Exit(exitOK)
}

// bootstrapRooms ensures the Aide, Lobby, and Local System Configuration
// rooms exist on a fresh data directory, per spec 8 scenario 1. Aide and
// Local System Configuration are created through EnsureSystemRoom and so
// carry QRSystem; Lobby is an ordinary room.
func bootstrapRooms(rooms *roomdir.Dir) error {
	if _, err := rooms.EnsureSystemRoom("Aide"); err != nil {
		return fmt.Errorf("aide room: %w", err)
	}
	if _, _, err := rooms.CtdlGetRoom("Lobby"); err == core.ErrNotFound {
		if _, err := rooms.CtdlCreateRoom("Lobby", 0, "", 0, roomdir.ViewBBS); err != nil {
			return fmt.Errorf("lobby room: %w", err)
		}
	} else if err != nil {
		return err
	}
	if _, err := rooms.EnsureSystemRoom("Local System Configuration"); err != nil {
		return fmt.Errorf("local system configuration room: %w", err)
	}
	return nil
}

// loadOrCreateDKIMSigner loads an RSA private key from keys/dkim.key,
// generating one on first start, and wires it to the domain/selector
// configured for outbound signing.
func loadOrCreateDKIMSigner(keysDir string, cfg *config.Store) (*dkim.Signer, error) {
	domain := cfg.GetStr("c_smtp_dkim_domain")
	if domain == "" {
		return nil, fmt.Errorf("c_smtp_dkim_domain not configured")
	}
	keyPath := filepath.Join(keysDir, "dkim.key")
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		raw, err = generateDKIMKey(keyPath)
		if err != nil {
			return nil, err
		}
	}
	signer, err := dkim.NewSigner(raw)
	if err != nil {
		return nil, err
	}
	signer.Domain = domain
	signer.Selector = cfg.GetStr("c_smtp_dkim_selector")
	return signer, nil
}

// generateDKIMKey writes a fresh 2048-bit RSA key, PEM/PKCS1-encoded to
// match dkim.NewSigner's expected input, the first time citadeld finds
// none at path.
func generateDKIMKey(path string) ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("dkim: generate key: %w", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	buf := pem.EncodeToMemory(block)
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return nil, fmt.Errorf("dkim: write key: %w", err)
	}
	return buf, nil
}

func runQueuePasses(stop <-chan struct{}, q *smtpqueue.Queue, cfg *config.Store) {
	quick := time.NewTicker(time.Duration(cfg.GetInt("c_smtp_queue_interval")) * time.Second)
	full := time.NewTicker(time.Duration(cfg.GetInt("c_smtp_fullq_interval")) * time.Second)
	defer quick.Stop()
	defer full.Stop()
	for {
		select {
		case <-stop:
			return
		case <-quick.C:
			if err := q.RunQuickPass(context.Background()); err != nil {
				q.Logf("smtpqueue: quick pass: %v", err)
			}
		case <-full.C:
			if err := q.RunFullPass(context.Background()); err != nil {
				q.Logf("smtpqueue: full pass: %v", err)
			}
		}
	}
}

func reapIdleLoop(stop <-chan struct{}, table *sessions.Table, d *sessions.Dispatcher, logf core.Logf) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			table.ReapIdle(d.IdleTimeout, logf)
			table.PurgeDead()
		}
	}
}

// detectUncleanShutdown reports whether the previous run's pid marker
// is still present, which only happens if the process never reached
// its own cleanup path (crash, kill -9, power loss).
func detectUncleanShutdown(homeDir string) (prevPID int, coreHint string, crashed bool) {
	marker := filepath.Join(homeDir, "run", "citserver.pid")
	raw, err := os.ReadFile(marker)
	if err != nil {
		return 0, "", false
	}
	pid, _ := strconv.Atoi(string(raw))
	return pid, "", true
}

func writePIDMarker(homeDir string) {
	os.WriteFile(filepath.Join(homeDir, "run", "citserver.pid"), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func removePIDMarker(homeDir string) {
	os.Remove(filepath.Join(homeDir, "run", "citserver.pid"))
}
