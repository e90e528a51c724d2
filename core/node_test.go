package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"jobledger/config"
	"jobledger/crypto"
	"jobledger/integrations/recon"
	"jobledger/native/arbitration"
	"jobledger/native/market"
)

func nodeTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:            t.TempDir(),
		Backend:            config.BackendMemory,
		PaymentToken:       "USDC",
		TokenName:          "USD Coin",
		TokenDecimals:      6,
		CancellationFeeBps: market.DefaultCancellationFeeBps,
		ArbitrationFeeBps:  market.DefaultArbitrationFeeBps,
		InitialReputation:  market.DefaultInitialReputation,
	}
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	node, err := NewNode(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() {
		if err := node.Close(); err != nil {
			t.Fatalf("close node: %v", err)
		}
	})
	return node
}

func nodeTestAddr(b byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = b
	}
	return addr
}

func nodeTestWord(label string) [32]byte {
	var word [32]byte
	copy(word[:], label)
	return word
}

func nodeTestDeadlines(n int) []int64 {
	base := time.Now().Add(72 * time.Hour).Unix()
	deadlines := make([]int64, n)
	for i := range deadlines {
		deadlines[i] = base + int64(i)*3600
	}
	return deadlines
}

func requireBalance(t *testing.T, node *Node, addr [20]byte, want int64) {
	t.Helper()
	got, err := node.Balance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if got.Cmp(big.NewInt(want)) != 0 {
		t.Fatalf("balance = %s, want %d", got, want)
	}
}

func TestNodeJobLifecycle(t *testing.T) {
	cfg := nodeTestConfig(t)
	cfg.ArchivePath = "file:jobledger_node_lifecycle?mode=memory&cache=shared"
	node := newTestNode(t, cfg)

	client := nodeTestAddr(0x01)
	talent := nodeTestAddr(0x02)

	if err := node.FundAccount(client, big.NewInt(1500)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	requireBalance(t, node, client, 1500)

	jobID, err := node.CreateJob(client, nodeTestWord("api build"),
		[][32]byte{nodeTestWord("design"), nodeTestWord("ship")},
		[]*big.Int{big.NewInt(600), big.NewInt(400)},
		nodeTestDeadlines(2))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if jobID != 1 {
		t.Fatalf("job id = %d, want 1", jobID)
	}

	if err := node.FundJob(client, jobID); err != nil {
		t.Fatalf("fund job: %v", err)
	}
	requireBalance(t, node, client, 500)

	if err := node.SelectTalent(client, jobID, talent); err != nil {
		t.Fatalf("select talent: %v", err)
	}
	if err := node.SubmitMilestone(talent, jobID, 0, nodeTestWord("deliverable-0")); err != nil {
		t.Fatalf("submit milestone 0: %v", err)
	}
	if err := node.ApproveMilestone(client, jobID, 0); err != nil {
		t.Fatalf("approve milestone 0: %v", err)
	}
	requireBalance(t, node, talent, 600)

	job, err := node.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != market.JobStateActive {
		t.Fatalf("job state = %s, want active", job.State)
	}
	if job.AmountPaid.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("amount paid = %s, want 600", job.AmountPaid)
	}
	if job.EscrowBalance.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("escrow balance = %s, want 400", job.EscrowBalance)
	}
	if job.Milestones[0].State != market.MilestonePaid {
		t.Fatalf("milestone 0 state = %s, want paid", job.Milestones[0].State)
	}

	if err := node.SubmitMilestone(talent, jobID, 1, nodeTestWord("deliverable-1")); err != nil {
		t.Fatalf("submit milestone 1: %v", err)
	}
	if err := node.ApproveMilestone(client, jobID, 1); err != nil {
		t.Fatalf("approve milestone 1: %v", err)
	}
	requireBalance(t, node, talent, 1000)
	requireBalance(t, node, client, 500)

	job, err = node.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job after completion: %v", err)
	}
	if job.State != market.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.EscrowBalance.Sign() != 0 {
		t.Fatalf("escrow balance = %s, want 0", job.EscrowBalance)
	}

	store := node.Archive()
	if store == nil {
		t.Fatal("archive not configured")
	}
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("archive count: %v", err)
	}
	if count != 8 {
		t.Fatalf("archived events = %d, want 8", count)
	}
	created, err := store.EventsByType(context.Background(), market.EventTypeJobCreated)
	if err != nil {
		t.Fatalf("events by type: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("job created events = %d, want 1", len(created))
	}
}

func TestNodeDisputeLifecycle(t *testing.T) {
	cfg := nodeTestConfig(t)
	node := newTestNode(t, cfg)

	client := nodeTestAddr(0x01)
	talent := nodeTestAddr(0x02)
	arb := nodeTestAddr(0x03)

	entry, err := node.RegisterArbitrator(arb, nodeTestWord("payments"))
	if err != nil {
		t.Fatalf("register arbitrator: %v", err)
	}
	if entry.FeeBps != market.DefaultArbitrationFeeBps {
		t.Fatalf("fee bps = %d, want %d", entry.FeeBps, market.DefaultArbitrationFeeBps)
	}
	if entry.Reputation != market.DefaultInitialReputation {
		t.Fatalf("reputation = %d, want %d", entry.Reputation, market.DefaultInitialReputation)
	}
	if _, err := node.GetArbitrator(nodeTestAddr(0x09)); !errors.Is(err, arbitration.ErrNotRegistered) {
		t.Fatalf("unknown arbitrator error = %v, want ErrNotRegistered", err)
	}

	// 1000 funds the job; the extra 50 covers the arbitration fee.
	if err := node.FundAccount(client, big.NewInt(1050)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	jobID, err := node.CreateJob(client, nodeTestWord("audit"),
		[][32]byte{nodeTestWord("report")},
		[]*big.Int{big.NewInt(1000)},
		nodeTestDeadlines(1))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := node.FundJob(client, jobID); err != nil {
		t.Fatalf("fund job: %v", err)
	}
	if err := node.SelectTalent(client, jobID, talent); err != nil {
		t.Fatalf("select talent: %v", err)
	}
	if err := node.SubmitMilestone(talent, jobID, 0, nodeTestWord("draft")); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}

	index := uint32(0)
	if err := node.RaiseDispute(client, jobID, &index, arb); err != nil {
		t.Fatalf("raise dispute: %v", err)
	}
	job, err := node.GetJob(jobID)
	if err != nil {
		t.Fatalf("get disputed job: %v", err)
	}
	if job.State != market.JobStateDisputed {
		t.Fatalf("job state = %s, want disputed", job.State)
	}
	if job.Milestones[0].State != market.MilestoneDisputed {
		t.Fatalf("milestone state = %s, want disputed", job.Milestones[0].State)
	}

	if err := node.ResolveDispute(arb, jobID, &index, false); err != nil {
		t.Fatalf("resolve dispute: %v", err)
	}
	// Flat 5% of the job's total value is billed to the client's wallet; the
	// rejected milestone returns to Pending for rework with escrow untouched.
	requireBalance(t, node, arb, 50)
	requireBalance(t, node, client, 0)
	job, err = node.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job after resolution: %v", err)
	}
	if job.State != market.JobStateActive {
		t.Fatalf("job state = %s, want active", job.State)
	}
	if job.Milestones[0].State != market.MilestonePending {
		t.Fatalf("milestone state = %s, want pending", job.Milestones[0].State)
	}
	if job.EscrowBalance.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("escrow balance = %s, want 1000", job.EscrowBalance)
	}

	entry, err = node.GetArbitrator(arb)
	if err != nil {
		t.Fatalf("get arbitrator: %v", err)
	}
	if entry.CasesHandled != 1 {
		t.Fatalf("cases handled = %d, want 1", entry.CasesHandled)
	}
	list, err := node.ListArbitrators()
	if err != nil {
		t.Fatalf("list arbitrators: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("arbitrators = %d, want 1", len(list))
	}

	// Escrow still holds the full milestone amount, so rework can finish the
	// job after the fee.
	if err := node.SubmitMilestone(talent, jobID, 0, nodeTestWord("final")); err != nil {
		t.Fatalf("resubmit milestone: %v", err)
	}
	if err := node.ApproveMilestone(client, jobID, 0); err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	requireBalance(t, node, talent, 1000)
	job, err = node.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job after completion: %v", err)
	}
	if job.State != market.JobStateCompleted {
		t.Fatalf("job state = %s, want completed", job.State)
	}
	if job.EscrowBalance.Sign() != 0 {
		t.Fatalf("escrow balance = %s, want 0", job.EscrowBalance)
	}
}

func TestNodePersistenceAcrossReopen(t *testing.T) {
	cfg := nodeTestConfig(t)
	cfg.Backend = config.BackendBolt
	seeded := nodeTestAddr(0x07)
	cfg.SeedAccounts = []config.SeedAccount{
		{Account: crypto.FormatAccount(seeded), Amount: "2500"},
	}

	node := newTestNode(t, cfg)
	requireBalance(t, node, seeded, 2500)
	client := nodeTestAddr(0x01)
	if err := node.FundAccount(client, big.NewInt(2000)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	jobID, err := node.CreateJob(client, nodeTestWord("migration"),
		[][32]byte{nodeTestWord("schema")},
		[]*big.Int{big.NewInt(750)},
		nodeTestDeadlines(1))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}

	reopened := newTestNode(t, cfg)
	job, err := reopened.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job after reopen: %v", err)
	}
	if job.Title != nodeTestWord("migration") {
		t.Fatalf("job title changed across reopen")
	}
	if job.State != market.JobStateCreated {
		t.Fatalf("job state = %s, want created", job.State)
	}
	requireBalance(t, reopened, client, 2000)
	// Seeds apply on the first initialisation only; the reopened ledger must
	// not credit them again.
	requireBalance(t, reopened, seeded, 2500)
	if err := reopened.Close(); err != nil {
		t.Fatalf("close reopened node: %v", err)
	}

	mismatched := *cfg
	mismatched.PaymentToken = "EURC"
	mismatched.TokenName = "Euro Coin"
	if _, err := NewNode(&mismatched, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected payment token mismatch error")
	} else if !strings.Contains(err.Error(), "pays in") {
		t.Fatalf("mismatch error = %v", err)
	}
}

func TestNodeReconciliationSnapshot(t *testing.T) {
	cfg := nodeTestConfig(t)
	node := newTestNode(t, cfg)

	client := nodeTestAddr(0x01)
	if err := node.FundAccount(client, big.NewInt(1000)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	jobID, err := node.CreateJob(client, nodeTestWord("content"),
		[][32]byte{nodeTestWord("draft")},
		[]*big.Int{big.NewInt(1000)},
		nodeTestDeadlines(1))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := node.FundJob(client, jobID); err != nil {
		t.Fatalf("fund job: %v", err)
	}

	res, err := node.RunReconciliation(context.Background(), recon.Config{DryRun: true})
	if err != nil {
		t.Fatalf("run reconciliation: %v", err)
	}
	if res.JobCount != 1 {
		t.Fatalf("job count = %d, want 1", res.JobCount)
	}
	if len(res.Anomalies) != 0 {
		t.Fatalf("anomalies = %d, want 0", len(res.Anomalies))
	}
	if len(res.Rows) != 1 || res.Rows[0].State != "funded" {
		t.Fatalf("unexpected report rows: %+v", res.Rows)
	}
}

func TestNodeManualTokenBootstrap(t *testing.T) {
	cfg := nodeTestConfig(t)
	cfg.PaymentToken = ""
	node := newTestNode(t, cfg)

	client := nodeTestAddr(0x01)
	if err := node.FundAccount(client, big.NewInt(100)); !errors.Is(err, market.ErrTokenNotSet) {
		t.Fatalf("fund without token error = %v, want ErrTokenNotSet", err)
	}
	if err := node.Initialize("USDC"); err == nil {
		t.Fatal("expected initialize to fail before token registration")
	}
	if err := node.Ledger().RegisterToken("USDC", "USD Coin", 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := node.Initialize("USDC"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := node.FundAccount(client, big.NewInt(100)); err != nil {
		t.Fatalf("fund after initialize: %v", err)
	}
	requireBalance(t, node, client, 100)
}

func TestNodeWebhookDeliveryAndExports(t *testing.T) {
	deliveries := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deliveries, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := nodeTestConfig(t)
	cfg.ArchivePath = "file:jobledger_node_webhooks?mode=memory&cache=shared"
	cfg.WebhookURL = server.URL
	cfg.WebhookSecret = "shhh"
	node := newTestNode(t, cfg)

	client := nodeTestAddr(0x01)
	if err := node.FundAccount(client, big.NewInt(500)); err != nil {
		t.Fatalf("fund account: %v", err)
	}
	jobID, err := node.CreateJob(client, nodeTestWord("logo"),
		[][32]byte{nodeTestWord("final art")},
		[]*big.Int{big.NewInt(500)},
		nodeTestDeadlines(1))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := node.FundJob(client, jobID); err != nil {
		t.Fatalf("fund job: %v", err)
	}

	// initialized + created + funded fan out through the archive emitter.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&deliveries) < 3 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&deliveries); got != 3 {
		t.Fatalf("webhook deliveries = %d, want 3", got)
	}

	statement, checksum, err := node.ExportJobs()
	if err != nil {
		t.Fatalf("export jobs: %v", err)
	}
	if checksum == "" {
		t.Fatal("expected statement checksum")
	}
	lines := strings.Split(strings.TrimSpace(string(statement)), "\n")
	if len(lines) != 2 {
		t.Fatalf("statement lines = %d, want header plus one milestone", len(lines))
	}
	if !strings.Contains(lines[1], "funded") {
		t.Fatalf("statement row missing state: %s", lines[1])
	}

	log, logChecksum, err := node.ExportEvents(context.Background())
	if err != nil {
		t.Fatalf("export events: %v", err)
	}
	if logChecksum == "" {
		t.Fatal("expected event log checksum")
	}
	logLines := strings.Split(strings.TrimSpace(string(log)), "\n")
	if len(logLines) != 3 {
		t.Fatalf("event log lines = %d, want 3", len(logLines))
	}
	if !strings.Contains(logLines[2], market.EventTypeJobFunded) {
		t.Fatalf("event log tail = %s, want funded event", logLines[2])
	}
}

func TestNodeExportEventsRequiresArchive(t *testing.T) {
	node := newTestNode(t, nodeTestConfig(t))
	if _, _, err := node.ExportEvents(context.Background()); err == nil {
		t.Fatal("expected error without archive")
	}
}

func TestNodeRejectsBadConfig(t *testing.T) {
	if _, err := NewNode(nil, nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	cfg := nodeTestConfig(t)
	cfg.Backend = "postgres"
	if _, err := NewNode(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for unsupported backend")
	}
}
