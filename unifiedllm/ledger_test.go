package unifiedllm

import (
	"context"
	"math"
	"sync"
	"testing"
)

func TestLedgerTotals(t *testing.T) {
	l := NewLedger()
	cost := 0.5
	l.Record(CallRecord{InputTokens: 10, OutputTokens: 5, Cost: &cost})
	l.Record(CallRecord{InputTokens: 7, OutputTokens: 3})

	tot := l.Totals()
	if tot.Calls != 2 || tot.InputTokens != 17 || tot.OutputTokens != 8 {
		t.Errorf("unexpected totals %+v", tot)
	}
	if tot.Cost == nil || *tot.Cost != 0.5 {
		t.Errorf("expected cost 0.5, got %v", tot.Cost)
	}
}

func TestLedgerTotalsWithoutPrices(t *testing.T) {
	l := NewLedger()
	l.Record(CallRecord{InputTokens: 1})
	if l.Totals().Cost != nil {
		t.Error("cost should stay nil when no record is priced")
	}
	if NewLedger().Totals().Calls != 0 {
		t.Error("empty ledger should have zero calls")
	}
}

func TestLedgerSince(t *testing.T) {
	l := NewLedger()
	l.Record(CallRecord{InputTokens: 1})
	mark := l.Len()
	l.Record(CallRecord{InputTokens: 2})
	l.Record(CallRecord{InputTokens: 3})

	if got := l.Since(mark).InputTokens; got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
	if got := l.Since(99).Calls; got != 0 {
		t.Errorf("expected 0 calls past the end, got %d", got)
	}
}

func TestLedgerConcurrentRecord(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(CallRecord{InputTokens: 1, OutputTokens: 1})
		}()
	}
	wg.Wait()
	if l.Totals().InputTokens != 50 {
		t.Errorf("expected 50, got %d", l.Totals().InputTokens)
	}
}

func TestClientRecordsIntoContextLedger(t *testing.T) {
	mock := newMockAdapter("openai", "hi")
	mock.response.Model = "gpt-4o-mini"
	mock.response.Usage = Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	client := NewClient(WithProvider("openai", mock))

	ledger := NewLedger()
	ctx := WithLedger(context.Background(), ledger)
	for i := 0; i < 3; i++ {
		if _, err := client.Complete(ctx, Request{Messages: []Message{UserMessage("x")}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	tot := ledger.Totals()
	if tot.Calls != 3 || tot.InputTokens != 3_000_000 {
		t.Errorf("unexpected totals %+v", tot)
	}
	if tot.Cost == nil || math.Abs(*tot.Cost-3*(0.15+0.60)) > 1e-9 {
		t.Errorf("unexpected cost %v", tot.Cost)
	}
}

func TestClientWithoutLedger(t *testing.T) {
	client := NewClient(WithProvider("p", newMockAdapter("p", "ok")))
	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if LedgerFrom(context.Background()) != nil {
		t.Error("expected no ledger on a bare context")
	}
}

func TestClientDoesNotRecordFailures(t *testing.T) {
	mock := newMockAdapter("p", "")
	mock.err = ErrorFromStatusCode(401, "bad key", "p", "", nil)
	client := NewClient(WithProvider("p", mock))

	ledger := NewLedger()
	_, err := client.Complete(WithLedger(context.Background(), ledger), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if ledger.Len() != 0 {
		t.Errorf("expected no records, got %d", ledger.Len())
	}
}
