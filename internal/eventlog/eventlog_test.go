package eventlog

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/annex-node/annex/internal/storage"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := storage.Open(context.Background(), storage.Config{
		Path:          filepath.Join(dir, "annex.db"),
		BusyTimeoutMs: 5000,
		PoolMaxSize:   4,
	})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEmitAllocatesMonotonicSeq(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	log := New("server-1")

	var seqs []int64
	for i := 0; i < 3; i++ {
		err := eng.WithTx(ctx, func(tx *sql.Tx) error {
			ev, err := log.Emit(ctx, tx, DomainIdentity, "IDENTITY_VERIFIED", map[string]string{"n": "x"})
			if err != nil {
				return err
			}
			seqs = append(seqs, ev.Seq)
			return nil
		})
		if err != nil {
			t.Fatalf("WithTx: %v", err)
		}
	}
	for i, s := range seqs {
		if s != int64(i+1) {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, s)
		}
	}
}

func TestEmitScopesSeqPerServerID(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	a := New("server-a")
	b := New("server-b")

	var aSeq, bSeq int64
	_ = eng.WithTx(ctx, func(tx *sql.Tx) error {
		ev, err := a.Emit(ctx, tx, DomainChannel, "CHANNEL_CREATED", nil)
		if err != nil {
			return err
		}
		aSeq = ev.Seq
		return nil
	})
	_ = eng.WithTx(ctx, func(tx *sql.Tx) error {
		ev, err := b.Emit(ctx, tx, DomainChannel, "CHANNEL_CREATED", nil)
		if err != nil {
			return err
		}
		bSeq = ev.Seq
		return nil
	})
	if aSeq != 1 || bSeq != 1 {
		t.Fatalf("expected independent sequence spaces, got a=%d b=%d", aSeq, bSeq)
	}
}

// TestEmitUnderConcurrencyProducesNoGapsOrDuplicates exercises Emit's
// COALESCE(MAX(seq),0)+1 allocation against real contention: 1000 emissions
// spread across 8 goroutines, each opening its own WithTx, must still yield
// exactly the sequence {1..1000} with no gap and no duplicate, since SQLite's
// single-writer semantics (serialized through BusyTimeoutMs) are the only
// thing standing between this query and a lost-update race.
func TestEmitUnderConcurrencyProducesNoGapsOrDuplicates(t *testing.T) {
	eng := openTestEngine(t)
	ctx := context.Background()
	log := New("server-concurrent")

	const total = 1000
	const workers = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	seqs := make([]int64, 0, total)
	errs := make([]error, 0)

	perWorker := total / workers
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				err := eng.WithTx(ctx, func(tx *sql.Tx) error {
					ev, err := log.Emit(ctx, tx, DomainChannel, "MESSAGE_SENT", nil)
					if err != nil {
						return err
					}
					mu.Lock()
					seqs = append(seqs, ev.Seq)
					mu.Unlock()
					return nil
				})
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(errs) != 0 {
		t.Fatalf("expected no errors under concurrent Emit, got %d, first: %v", len(errs), errs[0])
	}
	if len(seqs) != total {
		t.Fatalf("expected %d emitted events, got %d", total, len(seqs))
	}

	seen := make(map[int64]bool, total)
	for _, s := range seqs {
		if seen[s] {
			t.Fatalf("duplicate seq %d allocated under concurrency", s)
		}
		seen[s] = true
	}
	for i := int64(1); i <= total; i++ {
		if !seen[i] {
			t.Fatalf("gap in sequence: missing seq %d", i)
		}
	}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	log := New("server-1")
	ch, unsubscribe := log.Subscribe()
	defer unsubscribe()

	log.Publish(&Event{ServerID: "server-1", Seq: 1, Domain: DomainPresence, EventType: "NODE_PRUNED"})

	select {
	case v := <-ch:
		ev, ok := v.(*Event)
		if !ok || ev.EventType != "NODE_PRUNED" {
			t.Fatalf("expected NODE_PRUNED event, got %#v", v)
		}
	default:
		t.Fatal("expected event to be delivered synchronously to a non-full channel")
	}
}

func TestPublishSendsLagSentinelWhenSaturated(t *testing.T) {
	log := New("server-1")
	ch, unsubscribe := log.Subscribe()
	defer unsubscribe()

	for i := 0; i < broadcastCapacity; i++ {
		log.Publish(&Event{ServerID: "server-1", Seq: int64(i + 1)})
	}
	// Buffer is now full; the next publish must not block and must signal
	// the drop rather than silently discard it.
	log.Publish(&Event{ServerID: "server-1", Seq: int64(broadcastCapacity + 1)})

	drained := 0
	sawSentinel := false
	for i := 0; i < broadcastCapacity; i++ {
		v := <-ch
		if _, ok := v.(LagSentinel); ok {
			sawSentinel = true
		}
		drained++
	}
	_ = drained
	if !sawSentinel {
		t.Fatal("expected a LagSentinel once the subscriber buffer saturated")
	}
}
