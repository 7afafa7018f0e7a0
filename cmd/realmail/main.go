package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/realmail/realmail/internal/auth"
	"github.com/realmail/realmail/internal/config"
	"github.com/realmail/realmail/internal/credential"
	"github.com/realmail/realmail/internal/event"
	"github.com/realmail/realmail/internal/model"
	"github.com/realmail/realmail/internal/netmon"
	"github.com/realmail/realmail/internal/sendqueue"
	"github.com/realmail/realmail/internal/store"
	msync "github.com/realmail/realmail/internal/sync"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to the configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level")
	login := flag.String("login", "", "run the interactive OAuth2 authorization for the given account and exit")
	flag.Parse()

	if *login != "" {
		if err := runLogin(*configPath, *login); err != nil {
			logrus.WithError(err).Fatal("authorization failed")
		}
		return
	}
	if err := run(*configPath, *logLevel); err != nil {
		logrus.WithError(err).Fatal("realmail failed to start")
	}
}

// runLogin walks one account through the browser-delegated
// authorization-code flow and stores the resulting token set.
func runLogin(configPath, accountID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	var acct *model.Account
	for _, ac := range cfg.Accounts {
		if ac.ID == accountID || ac.Email == accountID {
			a := ac.Account()
			acct = &a
			break
		}
	}
	if acct == nil {
		return fmt.Errorf("no account %q in %s", accountID, configPath)
	}
	if acct.AuthType != model.AuthOAuth2 {
		return fmt.Errorf("account %s authenticates with a password, not OAuth2", acct.Email)
	}
	oc, ok := cfg.OAuth[string(acct.Provider)]
	if !ok {
		return fmt.Errorf("no oauth client registration for provider %q in %s", acct.Provider, configPath)
	}

	flow, err := auth.NewFlow(acct.Provider, auth.App{ClientID: oc.ClientID, ClientSecret: oc.ClientSecret})
	if err != nil {
		return err
	}
	defer flow.Close()

	fmt.Printf("Open this URL in your browser to authorize %s:\n\n  %s\n\n", acct.Email, flow.AuthURL())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cred, email, err := flow.Wait(ctx)
	if err != nil {
		return err
	}
	if email != "" && email != acct.Email {
		logrus.WithFields(logrus.Fields{"configured": acct.Email, "authorized": email}).
			Warn("authorized address differs from the configured account")
	}

	creds, err := credential.Open()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	if err := creds.Set(acct.ID, cred); err != nil {
		return err
	}
	fmt.Printf("Authorization stored for %s.\n", acct.Email)
	return nil
}

func run(configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logrus.SetLevel(level)

	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	creds, err := credential.Open()
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	apps := make(map[model.Provider]auth.App, len(cfg.OAuth))
	for provider, oc := range cfg.OAuth {
		apps[model.Provider(provider)] = auth.App{
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
		}
	}
	mgr := auth.NewManager(creds, apps)

	bus := event.NewBus()
	defer bus.Close()
	mon := netmon.New(bus)

	orch := msync.New(db, bus, mon, msync.NewSessionFactory(mgr),
		msync.WithInterval(time.Duration(cfg.Sync.IntervalSec)*time.Second))
	queue := sendqueue.New(db, bus, mon, sendqueue.NewSMTPSender(mgr),
		sendqueue.WithArchiver(sendqueue.NewIMAPArchiver(mgr, db)),
		sendqueue.WithPollRate(time.Duration(cfg.Queue.PollSec)*time.Second))

	for _, ac := range cfg.Accounts {
		acct := ac.Account()
		orch.Register(acct)
		queue.Register(acct)
		logrus.WithField("account", acct.Email).Info("account registered")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()

	logrus.Info("realmail started")
	<-ctx.Done()
	logrus.Info("shutting down")
	wg.Wait()
	return nil
}
