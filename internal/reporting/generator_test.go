package reporting

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"

	"dotbot-exec/internal/domain"
	"dotbot-exec/internal/metrics"
	"dotbot-exec/internal/storage/memory"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *memory.OutcomeStore {
	t.Helper()
	store := memory.NewOutcomeStore()
	err := store.InsertBulk(context.Background(), []*domain.ExecutionOutcome{
		{PlanID: "p1", ItemID: "b", Index: 1, Kind: "remark", Family: domain.FamilyTransfer, Target: "polkadot",
			Status: domain.StatusFailed, ErrorCode: domain.CodeTransactionRejected, ErrorMessage: "bad | origin",
			CreatedAt: 1000, CompletedAt: 1500},
		{PlanID: "p1", ItemID: "a", Index: 0, Kind: "transfer", Family: domain.FamilyTransfer, Target: "polkadot",
			Status: domain.StatusFinalized, ExtrinsicHash: "0xaa", BlockHash: "0xbb", EstimatedFee: "15000000000",
			Validated: true, CreatedAt: 1000, CompletedAt: 4000},
		{PlanID: "other", ItemID: "z", Index: 0, Kind: "transfer", Status: domain.StatusFinalized},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func TestGenerator_Generate(t *testing.T) {
	networks := map[string]domain.Network{"polkadot": {Name: "polkadot", Decimals: 10, Symbol: "DOT",
		ExistentialDeposit: sdkmath.ZeroInt()}}
	g := NewGenerator(seededStore(t), networks).WithClock(func() time.Time { return fixedTime })

	r, err := g.Generate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !r.GeneratedAt.Equal(fixedTime) {
		t.Errorf("expected fixed time, got %v", r.GeneratedAt)
	}
	if r.Aggregate.Total != 2 || r.Aggregate.Finalized != 1 {
		t.Errorf("unexpected aggregate: %+v", r.Aggregate.Stats)
	}
	if len(r.Items) != 2 || r.Items[0].Kind != "transfer" || r.Items[0].DurationMs != 3000 {
		t.Errorf("unexpected items: %+v", r.Items)
	}
	if len(r.Failures) != 1 || r.Failures[0].Code != string(domain.CodeTransactionRejected) {
		t.Errorf("unexpected failures: %+v", r.Failures)
	}
	if len(r.Fees) != 1 || r.Fees[0].Amount != "1.5 DOT" {
		t.Errorf("unexpected fees: %+v", r.Fees)
	}
}

func TestGenerator_NoOutcomes(t *testing.T) {
	g := NewGenerator(memory.NewOutcomeStore(), nil)
	if _, err := g.Generate(context.Background(), "missing"); !errors.Is(err, metrics.ErrNoOutcomes) {
		t.Errorf("expected ErrNoOutcomes, got %v", err)
	}
}

func TestRenderMarkdown(t *testing.T) {
	g := NewGenerator(seededStore(t), nil).WithClock(func() time.Time { return fixedTime })
	r, err := g.Generate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	md := RenderMarkdown(r)
	for _, want := range []string{
		"# Execution Report: p1",
		"Generated: 2026-03-01T12:00:00Z",
		"| Success Rate | 50.00% |",
		"| polkadot | 15000000000 planck |",
		"- TRANSACTION_REJECTED: 1",
		"| 1 | remark | failed | TRANSACTION_REJECTED | bad \\| origin |",
		"| 0 | transfer | polkadot | finalized | 0xaa | 0xbb |",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderCSV(t *testing.T) {
	got := RenderCSV([]ItemRow{
		{Index: 0, Kind: "transfer", Target: "polkadot", Status: "finalized", ExtrinsicHash: "0xaa",
			EstimatedFee: "10", Validated: true, DurationMs: 42},
	})
	want := "index,kind,target,status,endpoint,extrinsic_hash,block_hash,estimated_fee,validated,duration_ms\n" +
		"0,transfer,polkadot,finalized,,0xaa,,10,true,42\n"
	if got != want {
		t.Errorf("RenderCSV() =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteFiles(t *testing.T) {
	g := NewGenerator(seededStore(t), nil)
	r, err := g.Generate(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	dir := filepath.Join(t.TempDir(), "out")
	paths, err := WriteFiles(dir, r)
	if err != nil {
		t.Fatalf("WriteFiles: %v", err)
	}
	if len(paths) != 2 || filepath.Base(paths[0]) != "REPORT_p1.md" || filepath.Base(paths[1]) != "outcomes_p1.csv" {
		t.Fatalf("unexpected paths: %v", paths)
	}
	for _, p := range paths {
		if info, err := os.Stat(p); err != nil || info.Size() == 0 {
			t.Errorf("expected non-empty %s: %v", p, err)
		}
	}
}
