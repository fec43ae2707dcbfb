// Package core assembles the sentinel node from its configuration.
package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentinelguard/sentinel/guardian/api"
	"github.com/sentinelguard/sentinel/guardian/classifier"
	"github.com/sentinelguard/sentinel/guardian/config"
	"github.com/sentinelguard/sentinel/guardian/db"
	"github.com/sentinelguard/sentinel/guardian/incidentstore"
	"github.com/sentinelguard/sentinel/guardian/ledger"
	"github.com/sentinelguard/sentinel/guardian/moderation"
	"github.com/sentinelguard/sentinel/guardian/policy"
	"github.com/sentinelguard/sentinel/guardian/submitter"
)

const (
	checkpointInterval = time.Hour
	drainGrace         = 5 * time.Second
)

type options struct {
	classifier classifier.Classifier
	ledger     ledger.Client
}

// Option overrides a collaborator the node would otherwise build from config.
type Option func(*options)

// WithClassifier replaces the configured classification provider.
func WithClassifier(c classifier.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithLedger replaces the configured ledger client.
func WithLedger(l ledger.Client) Option {
	return func(o *options) { o.ledger = l }
}

// Node is a running sentinel: verdict API, submission pipeline and datastore.
type Node struct {
	ctx context.Context
	log zerolog.Logger
	cfg *config.Config

	db           *db.DB
	store        *incidentstore.Store
	ledger       ledger.Client
	submitter    *submitter.Submitter
	dispatcher   *submitter.Dispatcher
	poller       *submitter.Poller
	confirmer    *submitter.Confirmer
	checkpointer *db.Checkpointer
	moderation   *moderation.Service
	policies     *policy.Registry
	server       *api.Server
}

// OpenStore opens the configured datastore for offline use by CLI commands.
func OpenStore(cfg *config.Config, log zerolog.Logger) (*db.DB, *incidentstore.Store, error) {
	database, err := db.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	return database, incidentstore.NewStore(database.Client(), log), nil
}

// LoadPolicies builds the policy registry named by the configuration.
func LoadPolicies(cfg *config.Config) (*policy.Registry, error) {
	policies := policy.NewRegistry()
	if cfg.Policy.File != "" {
		path := cfg.Policy.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.NodeHome, "config", path)
		}
		if err := policies.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if cfg.Policy.DefaultVersion != "" {
		if err := policies.SetDefault(cfg.Policy.DefaultVersion); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// NewClassifier builds the provider client, wrapped in the digest cache when enabled.
func NewClassifier(cfg config.ClassifierConfig, log zerolog.Logger) (classifier.Classifier, error) {
	provider, err := classifier.NewOpenAI(classifier.OpenAIConfig{
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey(),
		Timeout:    cfg.Timeout(),
		MaxRetries: cfg.MaxRetries,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize <= 0 {
		return provider, nil
	}
	return classifier.NewCached(provider, cfg.CacheSize)
}

// NewSubmitter builds the submitter for the configured ledger over store.
func NewSubmitter(cfg *config.Config, store submitter.IncidentStore, client ledger.Client, log zerolog.Logger) *submitter.Submitter {
	return submitter.New(submitter.Config{
		Store:       store,
		Ledger:      client,
		Eligibility: policy.NewEligibility(cfg.Submission.Threshold),
		Timeout:     cfg.Submission.Timeout(),
		ClaimTTL:    cfg.Submission.ClaimTTL(),
		Logger:      log,
	})
}

// NewNode wires every component. Nothing runs until Start.
func NewNode(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*Node, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	policies, err := LoadPolicies(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	cls := o.classifier
	if cls == nil {
		if cls, err = NewClassifier(cfg.Classifier, log); err != nil {
			return nil, err
		}
	}

	database, store, err := OpenStore(cfg, log)
	if err != nil {
		return nil, err
	}

	client := o.ledger
	if client == nil {
		if client, err = ledger.FromConfig(ctx, cfg.Ledger, log); err != nil {
			_ = database.Close()
			return nil, err
		}
	}

	sub := NewSubmitter(cfg, store, client, log)
	dispatcher := submitter.NewDispatcher(submitter.DispatcherConfig{
		Submitter: sub,
		Workers:   cfg.Submission.Workers,
		QueueSize: cfg.Submission.QueueSize,
		Logger:    log,
	})

	svc := moderation.NewService(moderation.Config{
		Classifier:        cls,
		Policies:          policies,
		Incidents:         store,
		Queue:             dispatcher,
		Eligibility:       policy.NewEligibility(cfg.Submission.Threshold),
		ClassifierTimeout: cfg.Classifier.Timeout(),
		FailMode:          cfg.Classifier.FailMode,
		Logger:            log,
	})

	n := &Node{
		ctx:        ctx,
		log:        log.With().Str("component", "node").Logger(),
		cfg:        cfg,
		db:         database,
		store:      store,
		ledger:     client,
		submitter:  sub,
		dispatcher: dispatcher,
		poller: submitter.NewPoller(submitter.PollerConfig{
			Dispatcher:    dispatcher,
			CheckInterval: cfg.Submission.PollInterval(),
			BatchSize:     cfg.Submission.PollBatchSize,
			Logger:        log,
		}),
		confirmer: submitter.NewConfirmer(submitter.ConfirmerConfig{
			Submitter:     sub,
			CheckInterval: cfg.Submission.ConfirmInterval(),
			Logger:        log,
		}),
		checkpointer: db.NewCheckpointer(database, checkpointInterval, log),
		moderation:   svc,
		policies:     policies,
	}

	n.server = api.NewServer(api.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		Moderation:   svc,
		Incidents:    store,
		Submitter:    sub,
		Resubmitter:  dispatcher,
		Health:       func(context.Context) error { return database.Ping() },
		LedgerHealth: func(ctx context.Context) error { return ledger.Check(ctx, client) },
		Logger:       log,
	})
	return n, nil
}

// drainTimeout covers one in-flight ledger call plus persisting its outcome.
func (n *Node) drainTimeout() time.Duration {
	return time.Duration(n.cfg.Submission.TimeoutSeconds)*time.Second + drainGrace
}

// Handler exposes the HTTP routes without binding a port.
func (n *Node) Handler() http.Handler { return n.server.Handler() }

// Addr returns the bound API address once Start is serving.
func (n *Node) Addr() net.Addr { return n.server.Addr() }

// Store returns the incident store.
func (n *Node) Store() *incidentstore.Store { return n.store }

// Start runs the node until its context is cancelled, then shuts down.
func (n *Node) Start() error {
	n.log.Info().
		Int("threshold", n.submitter.Threshold()).
		Bool("ledger_configured", n.submitter.Configured()).
		Str("fail_mode", string(n.cfg.Classifier.FailMode)).
		Strs("policies", n.policies.Versions()).
		Msg("starting sentinel node")

	ctx, cancel := context.WithCancel(n.ctx)
	defer cancel()

	n.checkpointer.Start(ctx)
	n.dispatcher.Start(ctx)
	n.poller.Start(ctx)
	n.confirmer.Start(ctx)

	if err := n.server.Start(); err != nil {
		cancel()
		if shutdownErr := n.shutdown(); shutdownErr != nil {
			n.log.Warn().Err(shutdownErr).Msg("shutdown after failed start")
		}
		return err
	}

	n.log.Info().Msg("initialization complete, serving")
	<-ctx.Done()

	n.log.Info().Msg("shutting down sentinel node")
	return n.shutdown()
}

// shutdown expects the component context to be cancelled already.
func (n *Node) shutdown() error {
	if err := n.server.Stop(); err != nil {
		n.log.Warn().Err(err).Msg("api server did not stop cleanly")
	}
	n.checkpointer.Stop()

	select {
	case <-n.dispatcher.Done():
	case <-time.After(n.drainTimeout()):
		n.log.Warn().Msg("submission workers still busy at shutdown, their incidents stay claimed until the lease expires")
	}

	if closer, ok := n.ledger.(interface{ Close() }); ok {
		closer.Close()
	}
	return n.db.Close()
}
