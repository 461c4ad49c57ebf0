package issuer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/zoobzio/clockz"
	"golang.org/x/exp/slog"

	"github.com/alovak/virtualcard/internal/cardgen"
	"github.com/alovak/virtualcard/internal/jobs"
	"github.com/alovak/virtualcard/internal/middleware"
	"github.com/alovak/virtualcard/internal/notify"
	"github.com/alovak/virtualcard/internal/provider"
	"github.com/alovak/virtualcard/internal/security"
	"github.com/alovak/virtualcard/internal/snapshot"
	"github.com/alovak/virtualcard/issuer/models"
	"github.com/alovak/virtualcard/threeds"
	threedsmodels "github.com/alovak/virtualcard/threeds/models"
)

// App is the main application, it contains all the components of the issuer service
// and is responsible for starting and stopping them.
type App struct {
	srv    *http.Server
	wg     *sync.WaitGroup
	Addr   string
	logger *slog.Logger
	config *Config
	clock  clockz.Clock

	Service *Service
	Engine  *threeds.Engine

	repo       *Repository
	challenges *threeds.Repository
	jobs       *jobs.Scheduler
	closers    []func() error
}

type AppOption func(*App)

func WithAppClock(clock clockz.Clock) AppOption {
	return func(a *App) { a.clock = clock }
}

func NewApp(logger *slog.Logger, config *Config, opts ...AppOption) *App {
	logger = logger.With(slog.String("app", "issuer"))

	if config == nil {
		config = DefaultConfig()
	}

	a := &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
		clock:  clockz.RealClock,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	cvv, box, err := a.keyProviders()
	if err != nil {
		return err
	}

	if err := a.openRepository(ctx, box); err != nil {
		return err
	}
	if err := a.openChallengeRepository(ctx); err != nil {
		return err
	}

	ranges := cardgen.DefaultIssuerRanges()
	if a.config.IssuerRangesFile != "" {
		ranges, err = cardgen.LoadIssuerRangesFile(a.config.IssuerRangesFile)
		if err != nil {
			return fmt.Errorf("loading issuer ranges: %w", err)
		}
	}

	svcOpts := []ServiceOption{
		WithGenerator(cardgen.NewGenerator(ranges, cardgen.WithLogger(a.logger))),
		WithCVVProvider(cvv),
		WithSealedBox(box),
		WithClock(a.clock),
		WithLogger(a.logger),
	}
	if a.config.ProviderURL != "" {
		svcOpts = append(svcOpts, WithIssuingProvider(provider.New(a.config.ProviderURL, &http.Client{Timeout: 10 * time.Second})))
	}
	a.Service = NewService(a.repo, a.config, svcOpts...)

	notifier, err := a.notifier()
	if err != nil {
		return err
	}
	a.Engine = threeds.NewEngine(a.challenges, cardLookup(a.Service), notifier, threeds.EngineConfig{
		CodeLength:  a.config.OTPLength,
		TTL:         a.config.OTPTTL,
		MaxAttempts: a.config.OTPMaxAttempts,
		MaxResends:  a.config.OTPMaxResends,
		BcryptCost:  a.config.OTPBcryptCost,
		EchoCode:    a.config.OTPEchoCode,
		CAVVKey:     []byte(a.config.CAVVKey),
	}, threeds.WithClock(a.clock), threeds.WithLogger(a.logger))
	a.Service.OnPurge(a.Engine.PurgeCard)

	if err := a.restoreSnapshot(ctx); err != nil {
		return err
	}

	a.jobs = jobs.New(a.logger)
	if err := a.jobs.Add("expire-cards", a.config.SweepSpec, a.Service.ExpireDue); err != nil {
		return err
	}
	if err := a.jobs.Add("expire-challenges", a.config.SweepSpec, a.Engine.SweepExpired); err != nil {
		return err
	}
	a.jobs.Start()

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(chimw.Recoverer)

	NewAPI(a.Service).AppendRoutes(router)
	threeds.NewAPI(a.Engine).AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.repo.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if err := a.challenges.Ping(ctx); err != nil {
			http.Error(w, "challenge store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// keyProviders returns the PKCS#11 token when one is configured and the
// build supports it, the software key ring otherwise.
func (a *App) keyProviders() (security.CVVProvider, security.SealedBox, error) {
	cvv, box, closer, err := openHSM(a.config)
	if err != nil {
		return nil, nil, fmt.Errorf("opening hsm: %w", err)
	}
	if closer != nil {
		a.logger.Info("using pkcs11 key provider", slog.String("lib", a.config.HSMLib))
		a.closers = append(a.closers, closer)
		return cvv, box, nil
	}

	ring, err := security.NewKeyRing([]byte(a.config.SealMasterKey))
	if err != nil {
		return nil, nil, fmt.Errorf("creating key ring: %w", err)
	}
	return security.NewHMACProvider([]byte(a.config.CVKKey)), ring, nil
}

func (a *App) openRepository(ctx context.Context, box security.SealedBox) error {
	if a.config.RepoBackend != "pg" {
		a.repo = NewRepository()
		return nil
	}

	db, err := sql.Open("postgres", a.config.DBDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	a.repo = NewPGRepository(db, []byte(a.config.PANHashKey), box)
	if err := a.repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	return nil
}

func (a *App) openChallengeRepository(ctx context.Context) error {
	if a.config.ChallengeBackend != "redis" {
		a.challenges = threeds.NewRepository()
		return nil
	}

	rdb, err := threeds.Connect(ctx, a.config.RedisURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, rdb.Close)
	a.challenges = threeds.NewRedisRepository(rdb, threeds.DefaultRetention)
	return nil
}

// notifier routes each channel to its configured transport. Channels
// without one are only logged.
func (a *App) notifier() (notify.Notifier, error) {
	router := notify.NewRouter(notify.NewLogNotifier(a.logger))

	if a.config.SMTPHost != "" {
		router.Handle(notify.ChannelEmail, notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     a.config.SMTPHost,
			Port:     a.config.SMTPPort,
			Username: a.config.SMTPUser,
			Password: a.config.SMTPPassword,
			From:     a.config.SMTPFrom,
		}))
	}
	if a.config.SMSWebhookURL != "" {
		router.Handle(notify.ChannelSMS, notify.NewWebhookNotifier(a.config.SMSWebhookURL, nil))
	}
	if len(a.config.KafkaBrokers) > 0 {
		kn, err := notify.NewKafkaNotifier(a.config.KafkaBrokers, a.config.KafkaPushTopic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kn.Close)
		router.Handle(notify.ChannelPush, kn).Handle(notify.ChannelApp, kn)
	}
	return router, nil
}

// cardLookup exposes ledger cards to the challenge engine.
func cardLookup(svc *Service) threeds.CardLookupFunc {
	return func(ctx context.Context, cardID string) (threedsmodels.CardInfo, error) {
		card, err := svc.GetCard(ctx, cardID)
		if errors.Is(err, models.ErrNotFound) {
			return threedsmodels.CardInfo{}, fmt.Errorf("card %s: %w", cardID, threedsmodels.ErrCardNotFound)
		}
		if err != nil {
			return threedsmodels.CardInfo{}, err
		}
		return threedsmodels.CardInfo{
			ID:           card.ID,
			Last4:        card.Last4,
			Currency:     card.Currency,
			Network:      string(card.Network),
			ThreeDSecure: card.ThreeDSecure,
			Active:       card.Status == models.CardStatusActive,
		}, nil
	}
}

func (a *App) restoreSnapshot(ctx context.Context) error {
	if a.config.SnapshotFile == "" {
		return nil
	}
	state, err := snapshot.Load(a.config.SnapshotFile)
	if err != nil {
		return err
	}
	ledger := &Ledger{Accounts: state.Accounts, Cards: state.Cards, Transactions: state.Transactions}
	if err := a.Service.Restore(ctx, ledger); err != nil {
		return err
	}
	if err := a.Engine.Restore(ctx, state.Challenges); err != nil {
		return err
	}
	a.logger.Info("snapshot restored",
		slog.String("file", a.config.SnapshotFile),
		slog.Int("cards", len(state.Cards)),
		slog.Int("challenges", len(state.Challenges)),
	)
	return nil
}

func (a *App) saveSnapshot(ctx context.Context) error {
	ledger, err := a.Service.Export(ctx)
	if err != nil {
		return err
	}
	challenges, err := a.Engine.Export(ctx)
	if err != nil {
		return err
	}
	return snapshot.Save(a.config.SnapshotFile, &snapshot.State{
		TakenAt:      a.clock.Now().UTC(),
		Accounts:     ledger.Accounts,
		Cards:        ledger.Cards,
		Transactions: ledger.Transactions,
		Challenges:   challenges,
	})
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.srv != nil {
		a.srv.Shutdown(ctx)
	}
	if a.jobs != nil {
		if err := a.jobs.Stop(ctx); err != nil {
			a.logger.Error("stopping jobs", "err", err)
		}
	}
	if a.config.SnapshotFile != "" && a.Service != nil {
		if err := a.saveSnapshot(ctx); err != nil {
			a.logger.Error("saving snapshot", "err", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Error("closing resource", "err", err)
		}
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
