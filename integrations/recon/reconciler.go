package recon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"jobledger/core/state"
	"jobledger/crypto"
	"jobledger/native/market"
)

const (
	// Anomaly types emitted by the reconciler.
	AnomalyMissingJob      = "missing_job"
	AnomalyCorruptRecord   = "corrupt_record"
	AnomalyValueMismatch   = "value_mismatch"
	AnomalyPaidMismatch    = "paid_mismatch"
	AnomalyOverCommitted   = "over_committed"
	AnomalyEscrowMismatch  = "escrow_mismatch"
	AnomalyTerminalResidue = "terminal_residue"
)

// Ledger exposes the state reads the reconciler sweeps over.
type Ledger interface {
	JobCount() (uint32, error)
	JobGet(id uint32) (*market.Job, bool, error)
	PaymentToken() (string, bool, error)
	EscrowBalance(id uint32, symbol string) (*big.Int, error)
}

// AlertFunc is invoked for every anomaly detected during reconciliation.
type AlertFunc func(ctx context.Context, anomaly Anomaly) error

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Ledger    Ledger
	OutputDir string
	DryRun    bool
	Now       func() time.Time
	Alert     AlertFunc
	Logger    *slog.Logger
}

// Reconciler materialises ledger reports proving every job's escrow
// accounting still adds up. Anomalies are reported, never repaired.
type Reconciler struct {
	ledger    Ledger
	outputDir string
	dryRun    bool
	now       func() time.Time
	alert     AlertFunc
	logger    *slog.Logger
}

// Anomaly captures a reconciliation failure requiring operator review.
type Anomaly struct {
	Type    string
	JobID   uint32
	Details string
}

// ReportRow summarises reconciliation status for a single job.
type ReportRow struct {
	JobID           uint32
	State           string
	Client          string
	Talent          string
	TotalValue      string
	AmountPaid      string
	EscrowBalance   string
	LedgerEscrow    string
	CancellationFee string
	Milestones      int
	PaidMilestones  int
	Disputed        bool
	ValueMismatch   bool
	PaidMismatch    bool
	OverCommitted   bool
	EscrowMismatch  bool
	TerminalResidue bool
	CreatedAt       time.Time
}

// Result summarises a reconciliation run.
type Result struct {
	ReportID    string
	GeneratedAt time.Time
	JobCount    uint32
	Rows        []*ReportRow
	Anomalies   []Anomaly
	CSVPath     string
	ParquetPath string
	Checksum    string
}

// New builds a configured reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = filepath.Join("jobledger-data", "recon")
	}
	alert := cfg.Alert
	if alert == nil {
		alert = func(ctx context.Context, anomaly Anomaly) error { return nil }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		ledger:    cfg.Ledger,
		outputDir: outputDir,
		dryRun:    cfg.DryRun,
		now:       nowFn,
		alert:     alert,
		logger:    logger,
	}, nil
}

// Run sweeps every job recorded by the counter, recomputes the escrow
// invariants, and writes the dated CSV and Parquet artefacts unless the run
// is dry.
func (r *Reconciler) Run(ctx context.Context) (*Result, error) {
	generatedAt := r.now().UTC()
	reportID := uuid.NewString()

	count, err := r.ledger.JobCount()
	if err != nil {
		return nil, fmt.Errorf("recon: job count: %w", err)
	}
	token, _, err := r.ledger.PaymentToken()
	if err != nil {
		return nil, fmt.Errorf("recon: payment token: %w", err)
	}

	rows := make([]*ReportRow, 0, count)
	anomalies := make([]Anomaly, 0)

	for id := uint32(1); id <= count; id++ {
		job, ok, err := r.ledger.JobGet(id)
		if err != nil {
			if errors.Is(err, state.ErrStorageCorrupt) {
				anomalies = append(anomalies, r.raise(ctx, Anomaly{
					Type:    AnomalyCorruptRecord,
					JobID:   id,
					Details: err.Error(),
				}))
				continue
			}
			return nil, fmt.Errorf("recon: load job %d: %w", id, err)
		}
		if !ok {
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyMissingJob,
				JobID:   id,
				Details: "job counter covers id but record is absent",
			}))
			continue
		}

		total := amountOrZero(job.TotalValue)
		paid := amountOrZero(job.AmountPaid)
		escrow := amountOrZero(job.EscrowBalance)

		milestoneSum := big.NewInt(0)
		paidSum := big.NewInt(0)
		paidCount := 0
		for _, ms := range job.Milestones {
			if ms == nil {
				continue
			}
			milestoneSum.Add(milestoneSum, amountOrZero(ms.Amount))
			if ms.State == market.MilestonePaid {
				paidCount++
				paidSum.Add(paidSum, amountOrZero(ms.Amount))
			}
		}

		ledgerEscrow := big.NewInt(0)
		if token != "" {
			balance, err := r.ledger.EscrowBalance(id, token)
			if err != nil {
				return nil, fmt.Errorf("recon: escrow balance for job %d: %w", id, err)
			}
			ledgerEscrow = amountOrZero(balance)
		}

		row := &ReportRow{
			JobID:           job.ID,
			State:           job.State.String(),
			Client:          addressString(job.Client),
			Talent:          addressString(job.Talent),
			TotalValue:      total.String(),
			AmountPaid:      paid.String(),
			EscrowBalance:   escrow.String(),
			LedgerEscrow:    ledgerEscrow.String(),
			CancellationFee: amountOrZero(job.CancellationFee).String(),
			Milestones:      len(job.Milestones),
			PaidMilestones:  paidCount,
			Disputed:        job.Disputed(),
			CreatedAt:       time.Unix(job.CreatedAt, 0).UTC(),
		}

		if milestoneSum.Cmp(total) != 0 {
			row.ValueMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyValueMismatch,
				JobID:   id,
				Details: fmt.Sprintf("milestones sum to %s, total value is %s", milestoneSum, total),
			}))
		}
		if paidSum.Cmp(paid) != 0 {
			row.PaidMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyPaidMismatch,
				JobID:   id,
				Details: fmt.Sprintf("paid milestones sum to %s, amount paid is %s", paidSum, paid),
			}))
		}
		if new(big.Int).Add(paid, escrow).Cmp(total) > 0 {
			row.OverCommitted = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyOverCommitted,
				JobID:   id,
				Details: fmt.Sprintf("paid %s plus escrow %s exceeds total %s", paid, escrow, total),
			}))
		}
		if escrow.Cmp(ledgerEscrow) != 0 {
			row.EscrowMismatch = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyEscrowMismatch,
				JobID:   id,
				Details: fmt.Sprintf("job records escrow %s, subledger holds %s", escrow, ledgerEscrow),
			}))
		}
		if job.State.Terminal() && escrow.Sign() > 0 {
			row.TerminalResidue = true
			anomalies = append(anomalies, r.raise(ctx, Anomaly{
				Type:    AnomalyTerminalResidue,
				JobID:   id,
				Details: fmt.Sprintf("%s job still holds %s in escrow", row.State, escrow),
			}))
		}

		rows = append(rows, row)
	}

	result := &Result{
		ReportID:    reportID,
		GeneratedAt: generatedAt,
		JobCount:    count,
		Rows:        rows,
		Anomalies:   anomalies,
	}
	if r.dryRun {
		return result, nil
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}
	base := fmt.Sprintf("jobs_%s_%s", generatedAt.Format("20060102T150405Z"), reportID[:8])

	payload, checksum, err := buildCSV(rows, reportID, generatedAt)
	if err != nil {
		return nil, err
	}
	csvPath := filepath.Join(r.outputDir, base+".csv")
	if err := os.WriteFile(csvPath, payload, 0o644); err != nil {
		return nil, fmt.Errorf("recon: write csv: %w", err)
	}
	parquetPath := filepath.Join(r.outputDir, base+".parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	r.logger.Info("recon: wrote report", "csv", csvPath, "parquet", parquetPath, "rows", len(rows), "anomalies", len(anomalies))

	result.CSVPath = csvPath
	result.ParquetPath = parquetPath
	result.Checksum = checksum
	return result, nil
}

func (r *Reconciler) raise(ctx context.Context, anomaly Anomaly) Anomaly {
	r.logger.Warn("recon: anomaly", "type", anomaly.Type, "job", anomaly.JobID, "details", anomaly.Details)
	if r.alert != nil {
		if err := r.alert(ctx, anomaly); err != nil {
			r.logger.Error("recon: alert delivery failed", "type", anomaly.Type, "job", anomaly.JobID, "error", err)
		}
	}
	return anomaly
}

// buildCSV serialises the report rows and returns the payload alongside a
// SHA-256 checksum of it.
func buildCSV(rows []*ReportRow, reportID string, generatedAt time.Time) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{
		"job_id", "state", "client", "talent", "total_value", "amount_paid", "escrow_balance", "ledger_escrow",
		"cancellation_fee", "milestones", "paid_milestones", "disputed", "value_mismatch", "paid_mismatch",
		"over_committed", "escrow_mismatch", "terminal_residue", "created_at", "report_id", "generated_at",
	}
	if err := writer.Write(header); err != nil {
		return nil, "", fmt.Errorf("recon: write csv header: %w", err)
	}
	generated := generatedAt.UTC().Format(time.RFC3339)
	for _, row := range rows {
		record := []string{
			fmt.Sprintf("%d", row.JobID),
			row.State,
			row.Client,
			row.Talent,
			row.TotalValue,
			row.AmountPaid,
			row.EscrowBalance,
			row.LedgerEscrow,
			row.CancellationFee,
			fmt.Sprintf("%d", row.Milestones),
			fmt.Sprintf("%d", row.PaidMilestones),
			boolString(row.Disputed),
			boolString(row.ValueMismatch),
			boolString(row.PaidMismatch),
			boolString(row.OverCommitted),
			boolString(row.EscrowMismatch),
			boolString(row.TerminalResidue),
			row.CreatedAt.Format(time.RFC3339),
			reportID,
			generated,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", fmt.Errorf("recon: flush csv: %w", err)
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

type parquetRow struct {
	JobID           int64  `parquet:"name=job_id, type=INT64"`
	State           string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	Client          string `parquet:"name=client, type=BYTE_ARRAY, convertedtype=UTF8"`
	Talent          string `parquet:"name=talent, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalValue      string `parquet:"name=total_value, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountPaid      string `parquet:"name=amount_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	EscrowBalance   string `parquet:"name=escrow_balance, type=BYTE_ARRAY, convertedtype=UTF8"`
	LedgerEscrow    string `parquet:"name=ledger_escrow, type=BYTE_ARRAY, convertedtype=UTF8"`
	CancellationFee string `parquet:"name=cancellation_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Milestones      int32  `parquet:"name=milestones, type=INT32"`
	PaidMilestones  int32  `parquet:"name=paid_milestones, type=INT32"`
	Disputed        bool   `parquet:"name=disputed, type=BOOLEAN"`
	ValueMismatch   bool   `parquet:"name=value_mismatch, type=BOOLEAN"`
	PaidMismatch    bool   `parquet:"name=paid_mismatch, type=BOOLEAN"`
	OverCommitted   bool   `parquet:"name=over_committed, type=BOOLEAN"`
	EscrowMismatch  bool   `parquet:"name=escrow_mismatch, type=BOOLEAN"`
	TerminalResidue bool   `parquet:"name=terminal_residue, type=BOOLEAN"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			JobID:           int64(row.JobID),
			State:           row.State,
			Client:          row.Client,
			Talent:          row.Talent,
			TotalValue:      row.TotalValue,
			AmountPaid:      row.AmountPaid,
			EscrowBalance:   row.EscrowBalance,
			LedgerEscrow:    row.LedgerEscrow,
			CancellationFee: row.CancellationFee,
			Milestones:      int32(row.Milestones),
			PaidMilestones:  int32(row.PaidMilestones),
			Disputed:        row.Disputed,
			ValueMismatch:   row.ValueMismatch,
			PaidMismatch:    row.PaidMismatch,
			OverCommitted:   row.OverCommitted,
			EscrowMismatch:  row.EscrowMismatch,
			TerminalResidue: row.TerminalResidue,
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func addressString(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return crypto.FormatAccount(addr)
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
