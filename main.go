package main

import (
	"context"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/keelmail/keel/backend"
	"github.com/keelmail/keel/config"
	"github.com/keelmail/keel/netstatus"
	"github.com/keelmail/keel/session"
	"github.com/keelmail/keel/store"
	"github.com/keelmail/keel/strategy"
)

// Structs

// envCreds resolves account credentials from the loaded config and
// environment, so a changed .env takes effect on restart without
// touching the TOML file.
type envCreds struct {
	usernames map[int64]string
	passwords map[int64]string
}

func (c *envCreds) Credentials(accountID int64) (backend.Credentials, error) {

	return backend.Credentials{
		Username: c.usernames[accountID],
		Password: c.passwords[accountID],
	}, nil
}

// logOwner answers the sessions' UI requests. A headless deployment
// has nobody to ask, so requests are surfaced in the log for the
// operator and left pending.
type logOwner struct {
	logger log.Logger
}

func (o *logOwner) CredReq(s *session.Session) {
	level.Warn(o.logger).Log("msg", "session needs fresh credentials, update .env and restart")
}

func (o *logOwner) ServConfReq(s *session.Session, arg interface{}) {
	level.Warn(o.logger).Log("msg", "session needs server settings, update config and restart")
}

func (o *logOwner) CertAskReq(s *session.Session, cert *x509.Certificate) {

	if cert != nil {
		level.Warn(o.logger).Log(
			"msg", "session hit an untrusted server certificate",
			"subject", cert.Subject.String(),
			"issuer", cert.Issuer.String(),
		)
		return
	}

	level.Warn(o.logger).Log("msg", "session hit an untrusted server certificate")
}

// Functions

// initLogger initializes a JSON gokit-logger set
// to the according log level supplied via cli flag.
func initLogger(loglevel string) log.Logger {

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger,
		"ts", log.DefaultTimestampUTC,
		"caller", log.DefaultCaller,
	)

	switch strings.ToLower(loglevel) {
	case "info":
		logger = level.NewFilter(logger, level.AllowInfo())
	case "warn":
		logger = level.NewFilter(logger, level.AllowWarn())
	case "error":
		logger = level.NewFilter(logger, level.AllowError())
	default:
		logger = level.NewFilter(logger, level.AllowDebug())
	}

	return logger
}

// initSession assembles the picker, command factory and session of
// one configured account and starts it.
func initSession(logger log.Logger, conf *config.Config, name string, acc config.Account, st *store.Store, net *netstatus.Monitor, creds backend.CredentialSource, m *KeelMetrics) (session.Service, error) {

	accLogger := log.With(logger, "account", name)

	if _, err := st.EnsureProtocolState(acc.ID); err != nil {
		return nil, err
	}

	// The configured sync cap seeds the picker's window sizing.
	// A limit the server named since stays authoritative.
	_, err := st.ApplyToState(acc.ID, func(ps *store.ProtocolState) bool {

		if ps.SyncLimit != 0 || acc.SyncLimit == 0 {
			return false
		}

		ps.SyncLimit = acc.SyncLimit

		return true
	})
	if err != nil {
		return nil, err
	}

	var picker strategy.Picker
	picker = strategy.New(accLogger, st, net, acc.ID, acc.Server, acc.DaysToSync, conf.Tuning.Strategy(), nil, nil)
	picker = strategy.NewLoggingPicker(picker, accLogger)
	picker = strategy.NewMetricsPicker(picker, m.Strategy.Picks, m.Strategy.Rung)

	factory := backend.NewFactory(backend.FactoryParams{
		Logger:    accLogger,
		Store:     st,
		Net:       net,
		Creds:     creds,
		AccountID: acc.ID,
		Server:    acc.Server,
		BaseURL:   acc.BaseURL,
	})

	sess, err := session.New(session.Params{
		Logger:        accLogger,
		Store:         st,
		Picker:        picker,
		Factory:       factory,
		Net:           net,
		AccountID:     acc.ID,
		Server:        acc.Server,
		Owner:         &logOwner{logger: accLogger},
		SkipProvision: acc.SkipProvision,
	})
	if err != nil {
		return nil, err
	}

	var svc session.Service = sess
	svc = session.NewMetricsService(svc, m.Session.Parks, m.Session.Queued)
	svc = session.NewLoggingService(svc, accLogger)

	return svc, nil
}

func main() {

	var err error

	// Set CPUs usable by keel to all available.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Parse command-line flag that defines a config path.
	configFlag := flag.String("config", "config.toml", "Provide path to configuration file in TOML syntax.")
	loglevelFlag := flag.String("loglevel", "debug", "This flag sets the default logging level.")
	flag.Parse()

	logger := initLogger(*loglevelFlag)

	// Read configuration from file.
	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the config", "err", err,
		)
		os.Exit(1)
	}

	// Read account secrets from the environment.
	env, err := config.LoadEnv()
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to load the environment", "err", err,
		)
		os.Exit(1)
	}

	creds := &envCreds{
		usernames: make(map[int64]string),
		passwords: make(map[int64]string),
	}

	for name, acc := range conf.Accounts {

		creds.usernames[acc.ID] = acc.Username

		if password, found := env.Password(name); found {
			creds.passwords[acc.ID] = password
		} else {
			level.Warn(logger).Log("msg", "no password configured for account", "account", name)
		}
	}

	st, err := store.Open(conf.StorePath)
	if err != nil {
		level.Error(logger).Log(
			"msg", "failed to open the local store", "err", err,
		)
		os.Exit(2)
	}
	defer st.Close()

	m := NewKeelMetrics(conf.PrometheusAddr)
	net := netstatus.NewMonitor()

	sessions := make([]session.Service, 0, len(conf.Accounts))

	for name, acc := range conf.Accounts {

		svc, err := initSession(logger, conf, name, acc, st, net, creds, m)
		if err != nil {
			level.Error(logger).Log(
				"msg", "failed to initialize session",
				"account", name,
				"err", err,
			)
			os.Exit(3)
		}

		sessions = append(sessions, svc)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runPromHTTP(gctx, logger, conf.PrometheusAddr)
	})

	g.Go(func() error {

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

		select {
		case sig := <-sigs:
			level.Info(logger).Log("msg", "shutting down", "signal", sig.String())
		case <-gctx.Done():
		}

		for _, svc := range sessions {
			svc.ForceStop()
		}

		cancel()

		return nil
	})

	for _, svc := range sessions {
		svc.Execute()
	}

	if err = g.Wait(); err != nil {
		level.Error(logger).Log(
			"msg", "terminated with error", "err", err,
		)
		os.Exit(4)
	}
}
