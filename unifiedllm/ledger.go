package unifiedllm

import (
	"context"
	"sync"
	"time"
)

// CallRecord is the usage of one successful model call.
type CallRecord struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	Cost         *float64  `json:"cost,omitempty"`
	Estimated    bool      `json:"estimated,omitempty"`
	At           time.Time `json:"at"`
}

// Totals is the sum over a set of CallRecords. Cost is nil when no record
// carried a price.
type Totals struct {
	Calls        int      `json:"calls"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	Cost         *float64 `json:"cost,omitempty"`
}

// Ledger is the usage history of a single run. It is safe for concurrent
// appends since tools may issue model calls of their own.
type Ledger struct {
	mu      sync.Mutex
	records []CallRecord
}

// NewLedger creates an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Record appends rec.
func (l *Ledger) Record(rec CallRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
}

// Records returns a copy of every record in call order.
func (l *Ledger) Records() []CallRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CallRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of recorded calls.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Totals sums every record.
func (l *Ledger) Totals() Totals {
	return SumRecords(l.Records())
}

// Since sums the records appended after the first n.
func (l *Ledger) Since(n int) Totals {
	recs := l.Records()
	if n > len(recs) {
		n = len(recs)
	}
	return SumRecords(recs[n:])
}

// SumRecords adds up recs.
func SumRecords(recs []CallRecord) Totals {
	var t Totals
	for _, r := range recs {
		t.Calls++
		t.InputTokens += r.InputTokens
		t.OutputTokens += r.OutputTokens
		if r.Cost != nil {
			if t.Cost == nil {
				t.Cost = new(float64)
			}
			*t.Cost += *r.Cost
		}
	}
	return t
}

type ledgerKey struct{}

// WithLedger returns a context carrying l. Client.Complete records into the
// ledger found on its context.
func WithLedger(ctx context.Context, l *Ledger) context.Context {
	return context.WithValue(ctx, ledgerKey{}, l)
}

// LedgerFrom returns the ledger attached to ctx, or nil.
func LedgerFrom(ctx context.Context) *Ledger {
	l, _ := ctx.Value(ledgerKey{}).(*Ledger)
	return l
}

// recordResponse appends resp to the ledger on ctx, if any.
func recordResponse(ctx context.Context, req Request, resp *Response) {
	l := LedgerFrom(ctx)
	if l == nil || resp == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	l.Record(CallRecord{
		Provider:     resp.Provider,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		Cost:         EstimateCost(model, resp.Usage),
		Estimated:    resp.Usage.Estimated,
		At:           time.Now(),
	})
}
