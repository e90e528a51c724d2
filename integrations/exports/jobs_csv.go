package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"math/big"

	"jobledger/crypto"
	"jobledger/native/market"
)

// JobsCSV builds a ledger statement for the supplied jobs, one row per
// milestone, and returns the serialised data alongside a SHA-256 checksum of
// the payload. Nil jobs are skipped.
func JobsCSV(jobs []*market.Job) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{
		"job_id", "state", "client", "talent", "title",
		"total_value", "amount_paid", "escrow_balance",
		"milestone_index", "milestone_state", "milestone_amount",
		"deadline", "submitted_at",
	}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, job := range jobs {
		if job == nil {
			continue
		}
		for i, ms := range job.Milestones {
			if ms == nil {
				continue
			}
			record := []string{
				fmt.Sprintf("%d", job.ID),
				job.State.String(),
				crypto.FormatAccount(job.Client),
				talentString(job),
				hex.EncodeToString(job.Title[:]),
				amountString(job.TotalValue),
				amountString(job.AmountPaid),
				amountString(job.EscrowBalance),
				fmt.Sprintf("%d", i),
				ms.State.String(),
				amountString(ms.Amount),
				fmt.Sprintf("%d", ms.Deadline),
				fmt.Sprintf("%d", ms.SubmittedAt),
			}
			if err := writer.Write(record); err != nil {
				return nil, "", err
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

func talentString(job *market.Job) string {
	if job == nil || !job.HasTalent() {
		return ""
	}
	return crypto.FormatAccount(job.Talent)
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}
