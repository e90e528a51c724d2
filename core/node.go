package core

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobledger/config"
	"jobledger/core/events"
	"jobledger/core/state"
	"jobledger/crypto"
	"jobledger/integrations/archive"
	"jobledger/integrations/exports"
	"jobledger/integrations/recon"
	"jobledger/integrations/webhooks"
	"jobledger/native/arbitration"
	"jobledger/native/market"
	"jobledger/observability/logging"
	"jobledger/storage"
)

// Node owns the storage backend and hosts the marketplace engines behind a
// single mutex. The engines assume serialized calls; every exported operation
// below takes stateMu for its full duration so milestone payouts, dispute
// resolutions, and reconciliation sweeps never interleave.
type Node struct {
	stateMu sync.Mutex

	cfg        *config.Config
	db         storage.Database
	ledger     *state.Manager
	engine     *market.Engine
	registry   *arbitration.Ledger
	archive    *archive.Archive
	dispatcher *webhooks.Dispatcher
	logger     *slog.Logger
}

// NewNode opens the configured backend, wires the market engine, the
// arbitrator registry, and the optional event archive, and bootstraps the
// payment token. A nil logger installs the process-wide JSON logger.
func NewNode(cfg *config.Config, logger *slog.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Setup("jobledger", "")
	}

	db, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}

	node := &Node{
		cfg:    cfg,
		db:     db,
		ledger: state.NewManager(db),
		logger: logger,
	}

	if dsn := strings.TrimSpace(cfg.ArchivePath); dsn != "" {
		if !strings.HasPrefix(dsn, "file:") {
			fileDSN, err := archive.FileDSN(dsn)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			dsn = fileDSN
		}
		store, err := archive.Open(dsn)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("core: open event archive: %w", err)
		}
		node.archive = store
	}

	var downstream []events.Emitter
	if cfg.WebhookURL != "" {
		dispatcher, err := webhooks.NewDispatcher(cfg.WebhookURL, []byte(cfg.WebhookSecret), webhooks.WithLogger(logger))
		if err != nil {
			_ = node.Close()
			return nil, err
		}
		node.dispatcher = dispatcher
		downstream = append(downstream, dispatcher)
	}

	registry := arbitration.NewLedger(node.ledger)
	if err := registry.SetDefaults(cfg.ArbitrationFeeBps, cfg.InitialReputation); err != nil {
		_ = node.Close()
		return nil, err
	}

	// One guard across both engines: a re-entrant call through either is
	// rejected while the other holds it.
	guard := market.NewCallGuard()
	registry.SetGuard(guard)

	engine := market.NewEngine()
	engine.SetState(node.ledger)
	engine.SetGuard(guard)
	engine.SetRegistry(registry)
	if err := engine.SetParams(cfg.Params()); err != nil {
		_ = node.Close()
		return nil, err
	}

	switch {
	case node.archive != nil:
		emitter := archive.NewEmitter(node.archive, downstream...)
		emitter.SetLogger(logger)
		engine.SetEmitter(emitter)
		registry.SetEmitter(emitter)
	case len(downstream) > 0:
		engine.SetEmitter(downstream[0])
		registry.SetEmitter(downstream[0])
	}

	node.engine = engine
	node.registry = registry

	if err := node.bootstrapPaymentToken(); err != nil {
		_ = node.Close()
		return nil, err
	}

	logger.Info("core: node ready", "backend", cfg.Backend, "token", cfg.PaymentToken)
	return node, nil
}

func openBackend(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("core: create data dir: %w", err)
		}
		db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "jobledger-leveldb"))
		if err != nil {
			return nil, fmt.Errorf("core: open leveldb backend: %w", err)
		}
		return db, nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("core: create data dir: %w", err)
		}
		db, err := storage.NewBoltDB(filepath.Join(cfg.DataDir, "jobledger.db"))
		if err != nil {
			return nil, fmt.Errorf("core: open bolt backend: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("core: unsupported backend %q", cfg.Backend)
	}
}

// bootstrapPaymentToken registers the configured token and locks the market
// to it. A ledger that already pays in a different token is refused rather
// than silently re-pointed.
func (n *Node) bootstrapPaymentToken() error {
	symbol := strings.TrimSpace(n.cfg.PaymentToken)
	if symbol == "" {
		return nil
	}
	if !n.ledger.TokenExists(symbol) {
		name := strings.TrimSpace(n.cfg.TokenName)
		if name == "" {
			name = symbol
		}
		if err := n.ledger.RegisterToken(symbol, name, n.cfg.TokenDecimals); err != nil {
			return fmt.Errorf("core: register payment token: %w", err)
		}
	}
	current, ok, err := n.ledger.PaymentToken()
	if err != nil {
		return err
	}
	if !ok {
		if err := n.engine.Initialize(symbol); err != nil {
			return err
		}
		return n.applySeedAccounts()
	}
	if current != strings.ToUpper(symbol) {
		return fmt.Errorf("core: ledger pays in %s but config names %s", current, symbol)
	}
	return nil
}

// applySeedAccounts credits the configured bootstrap balances. Seeds apply
// once, when the ledger is first initialised; reopening an existing ledger
// leaves them untouched.
func (n *Node) applySeedAccounts() error {
	if len(n.cfg.SeedAccounts) == 0 {
		return nil
	}
	token, ok, err := n.ledger.PaymentToken()
	if err != nil {
		return err
	}
	if !ok {
		return market.ErrTokenNotSet
	}
	for _, seed := range n.cfg.SeedAccounts {
		addr, err := crypto.ParseAccount(strings.TrimSpace(seed.Account))
		if err != nil {
			return fmt.Errorf("core: seed account %q: %w", seed.Account, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(seed.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("core: seed amount %q must be a positive integer", seed.Amount)
		}
		balance, err := n.ledger.Balance(addr[:], token)
		if err != nil {
			return err
		}
		if err := n.ledger.SetBalance(addr[:], token, new(big.Int).Add(balance, amount)); err != nil {
			return err
		}
		n.logger.Info("core: seed account funded",
			"token", token,
			logging.MaskField("account", logAddr(addr)),
		)
	}
	return nil
}

// Close drains the webhook dispatcher, then releases the event archive and
// the storage backend.
func (n *Node) Close() error {
	var firstErr error
	if n.dispatcher != nil {
		n.dispatcher.Close()
		n.dispatcher = nil
	}
	if n.archive != nil {
		if err := n.archive.Close(); err != nil {
			firstErr = err
		}
		n.archive = nil
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		n.db = nil
	}
	return firstErr
}

// Ledger exposes the state manager for host-side tooling (funding accounts,
// inspecting balances). Callers must not mutate state concurrently with
// marketplace operations.
func (n *Node) Ledger() *state.Manager {
	return n.ledger
}

// Registry exposes the arbitrator registry.
func (n *Node) Registry() *arbitration.Ledger {
	return n.registry
}

// Archive returns the event archive, or nil when none is configured.
func (n *Node) Archive() *archive.Archive {
	return n.archive
}

// Initialize sets the marketplace payment token. Normally done once from
// config at startup; exposed for hosts that bootstrap state themselves.
func (n *Node) Initialize(token string) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.Initialize(token); err != nil {
		return err
	}
	n.logger.Info("market: payment token set", "token", strings.ToUpper(strings.TrimSpace(token)))
	return nil
}

// CreateJob opens a new job for the client with one milestone per
// description/amount/deadline triple.
func (n *Node) CreateJob(client [20]byte, title [32]byte, descriptions [][32]byte, amounts []*big.Int, deadlines []int64) (uint32, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	id, err := n.engine.CreateJob(client, title, descriptions, amounts, deadlines)
	if err != nil {
		return 0, err
	}
	n.logger.Info("market: job created",
		"job", id,
		"milestones", len(amounts),
		logging.MaskField("client", logAddr(client)),
	)
	return id, nil
}

// FundJob moves the job's total value from the client into escrow.
func (n *Node) FundJob(client [20]byte, jobID uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.FundJob(client, jobID); err != nil {
		return err
	}
	n.logger.Info("market: job funded", "job", jobID, logging.MaskField("client", logAddr(client)))
	return nil
}

// SelectTalent hires the talent onto a funded job.
func (n *Node) SelectTalent(client [20]byte, jobID uint32, talent [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.SelectTalent(client, jobID, talent); err != nil {
		return err
	}
	n.logger.Info("market: talent selected",
		"job", jobID,
		logging.MaskField("client", logAddr(client)),
		logging.MaskField("talent", logAddr(talent)),
	)
	return nil
}

// SubmitMilestone records the talent's deliverable hash for review.
func (n *Node) SubmitMilestone(talent [20]byte, jobID uint32, index uint32, data [32]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.SubmitMilestone(talent, jobID, index, data); err != nil {
		return err
	}
	n.logger.Info("market: milestone submitted",
		"job", jobID,
		"milestone", index,
		logging.MaskField("talent", logAddr(talent)),
	)
	return nil
}

// ApproveMilestone releases the milestone amount from escrow to the talent.
func (n *Node) ApproveMilestone(client [20]byte, jobID uint32, index uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.ApproveMilestone(client, jobID, index); err != nil {
		return err
	}
	n.logger.Info("market: milestone approved",
		"job", jobID,
		"milestone", index,
		logging.MaskField("client", logAddr(client)),
	)
	return nil
}

// RaiseDispute escalates a job, or a single milestone of it, to a registered
// arbitrator. A nil index disputes the job as a whole.
func (n *Node) RaiseDispute(caller [20]byte, jobID uint32, index *uint32, arbitrator [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.RaiseDispute(caller, jobID, index, arbitrator); err != nil {
		return err
	}
	n.logger.Info("market: dispute raised",
		"job", jobID,
		"milestone", indexLabel(index),
		logging.MaskField("caller", logAddr(caller)),
		logging.MaskField("arbitrator", logAddr(arbitrator)),
	)
	return nil
}

// ResolveDispute settles a dispute in favor of the talent (approve) or the
// client, pays the arbitration fee, and credits the arbitrator's record.
func (n *Node) ResolveDispute(arbitrator [20]byte, jobID uint32, index *uint32, approve bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.ResolveDispute(arbitrator, jobID, index, approve); err != nil {
		return err
	}
	n.logger.Info("market: dispute resolved",
		"job", jobID,
		"milestone", indexLabel(index),
		"approved", approve,
		logging.MaskField("arbitrator", logAddr(arbitrator)),
	)
	return nil
}

// CancelJob terminates a non-terminal, undisputed job and refunds the client,
// less the cancellation fee owed to a hired talent.
func (n *Node) CancelJob(client [20]byte, jobID uint32) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if err := n.engine.CancelJob(client, jobID); err != nil {
		return err
	}
	n.logger.Info("market: job cancelled", "job", jobID, logging.MaskField("client", logAddr(client)))
	return nil
}

// GetJob returns a copy of the stored job.
func (n *Node) GetJob(jobID uint32) (*market.Job, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.engine.GetJob(jobID)
}

// RegisterArbitrator adds the address to the arbitrator registry with the
// configured default fee and reputation.
func (n *Node) RegisterArbitrator(addr [20]byte, specialization [32]byte) (*arbitration.Arbitrator, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	arb, err := n.registry.Register(addr, specialization)
	if err != nil {
		return nil, err
	}
	n.logger.Info("arbitration: arbitrator registered", logging.MaskField("arbitrator", logAddr(addr)))
	return arb, nil
}

// GetArbitrator returns the registry entry for the address.
func (n *Node) GetArbitrator(addr [20]byte) (*arbitration.Arbitrator, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	arb, ok, err := n.registry.Get(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, arbitration.ErrNotRegistered
	}
	return arb, nil
}

// ListArbitrators returns all registered arbitrators ordered by address.
func (n *Node) ListArbitrators() ([]*arbitration.Arbitrator, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	return n.registry.List()
}

// FundAccount credits the address with the payment token. Host-side seeding
// only; the marketplace itself never mints.
func (n *Node) FundAccount(addr [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return market.ErrAmountRequired
	}
	token, ok, err := n.ledger.PaymentToken()
	if err != nil {
		return err
	}
	if !ok {
		return market.ErrTokenNotSet
	}
	balance, err := n.ledger.Balance(addr[:], token)
	if err != nil {
		return err
	}
	if err := n.ledger.SetBalance(addr[:], token, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	n.logger.Info("core: account funded",
		"token", token,
		logging.MaskField("account", logAddr(addr)),
		logging.MaskField("amount", amount.String()),
	)
	return nil
}

// Balance returns the address's payment-token balance.
func (n *Node) Balance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	token, ok, err := n.ledger.PaymentToken()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, market.ErrTokenNotSet
	}
	return n.ledger.Balance(addr[:], token)
}

// ExportJobs renders the full job ledger as a CSV statement, one row per
// milestone, with a SHA-256 checksum of the payload.
func (n *Node) ExportJobs() ([]byte, string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	count, err := n.ledger.JobCount()
	if err != nil {
		return nil, "", err
	}
	jobs := make([]*market.Job, 0, count)
	for id := uint32(1); id <= count; id++ {
		job, ok, err := n.ledger.JobGet(id)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		jobs = append(jobs, job)
	}
	return exports.JobsCSV(jobs)
}

// ExportEvents renders the archived event log as JSON Lines with a checksum.
// Fails when no archive is configured.
func (n *Node) ExportEvents(ctx context.Context) ([]byte, string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	if n.archive == nil {
		return nil, "", fmt.Errorf("core: no event archive configured")
	}
	records, err := n.archive.All(ctx)
	if err != nil {
		return nil, "", err
	}
	return exports.EventsJSONL(records)
}

// RunReconciliation sweeps the ledger under the state lock so the report sees
// a consistent snapshot. The config's Ledger field is overridden with the
// node's own manager.
func (n *Node) RunReconciliation(ctx context.Context, cfg recon.Config) (*recon.Result, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	cfg.Ledger = n.ledger
	if cfg.Logger == nil {
		cfg.Logger = n.logger
	}
	reconciler, err := recon.New(cfg)
	if err != nil {
		return nil, err
	}
	return reconciler.Run(ctx)
}

func logAddr(addr [20]byte) string {
	return crypto.FormatAccount(addr)
}

func indexLabel(index *uint32) string {
	if index == nil {
		return "all"
	}
	return fmt.Sprintf("%d", *index)
}
