package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmctl/internal/delivery"
	"swarmctl/internal/notify"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newDedup() (*Deduplicator, *clock) {
	c := &clock{t: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	d := NewDeduplicator(10*time.Minute, 2*time.Hour, 0)
	d.Now = c.now
	return d, c
}

func TestDifferentCausesAreIndependent(t *testing.T) {
	d, _ := newDedup()
	defer d.Close()
	timeout := Fingerprint{AlertName: "X", Cause: "timeout"}
	memory := Fingerprint{AlertName: "X", Cause: "memory"}
	assert.NotEqual(t, timeout.Hash(), memory.Hash())

	assert.True(t, d.ShouldFire(timeout).Fire)
	assert.True(t, d.ShouldFire(memory).Fire)
	assert.False(t, d.ShouldFire(timeout).Fire)
	assert.False(t, d.ShouldFire(memory).Fire)
	assert.Equal(t, 2, d.Len())
}

func TestHashFieldBoundaries(t *testing.T) {
	a := Fingerprint{AlertName: "ab", Cause: "c"}
	b := Fingerprint{AlertName: "a", Cause: "bc"}
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.Hash(), Fingerprint{AlertName: "ab", Cause: "c"}.Hash())
}

func TestWindowExpiryRefires(t *testing.T) {
	d, c := newDedup()
	defer d.Close()
	fp := Fingerprint{AlertName: "AgentDown", Agent: "scanner"}

	first := d.ShouldFire(fp)
	assert.True(t, first.Fire)
	assert.Equal(t, 1, first.Count)

	c.advance(5 * time.Minute)
	assert.False(t, d.ShouldFire(fp).Fire)

	c.advance(6 * time.Minute)
	again := d.ShouldFire(fp)
	assert.True(t, again.Fire)
	assert.Equal(t, 2, again.Count)
}

func TestGCEvictsStaleEntries(t *testing.T) {
	d, c := newDedup()
	defer d.Close()
	d.ShouldFire(Fingerprint{AlertName: "old"})
	c.advance(90 * time.Minute)
	d.ShouldFire(Fingerprint{AlertName: "fresh"})
	c.advance(40 * time.Minute)

	assert.Equal(t, 1, d.GC())
	entries := d.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "fresh", entries[0].AlertName)
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDeduplicator(time.Minute, time.Hour, time.Millisecond)
	d.Close()
	d.Close()
}

func TestBatchValidation(t *testing.T) {
	big := Batch{Alerts: make([]Alert, MaxBatch+1)}
	for i := range big.Alerts {
		big.Alerts[i] = Alert{Status: StatusFiring, Labels: map[string]string{"alertname": "x"}}
	}
	assert.Error(t, big.Validate())

	labels := map[string]string{"alertname": "x"}
	for i := 0; i < MaxLabels; i++ {
		labels[string(rune('a'+i%26))+string(rune('a'+i/26))] = "v"
	}
	assert.Error(t, Batch{Alerts: []Alert{{Status: StatusFiring, Labels: labels}}}.Validate())
	assert.Error(t, Batch{Alerts: []Alert{{Status: "pending", Labels: map[string]string{"alertname": "x"}}}}.Validate())
	assert.Error(t, Batch{Alerts: []Alert{{Status: StatusFiring}}}.Validate())
	assert.NoError(t, Batch{Alerts: []Alert{{Status: StatusResolved, Labels: map[string]string{"alertname": "x"}}}}.Validate())
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"alerts":[{"status":"firing","labels":{"alertname":"X"}}]}`)
	sig, err := delivery.SignCanonical("hook", body)
	require.NoError(t, err)
	assert.NoError(t, VerifySignature("hook", body, sig))
	assert.True(t, errors.Is(VerifySignature("hook", body, "00"), ErrBadSignature))
	assert.True(t, errors.Is(VerifySignature("", body, sig), ErrBadSignature))
	assert.True(t, errors.Is(VerifySignature("hook", []byte("not json"), sig), ErrBadSignature))
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func TestProcessorSummary(t *testing.T) {
	d, _ := newDedup()
	defer d.Close()
	n := &recordingNotifier{}
	p := &Processor{Dedup: d, Notifier: n}

	firing := Alert{Status: StatusFiring, Labels: map[string]string{"alertname": "HighLatency", "cause": "timeout", "agent": "scanner"}}
	other := Alert{Status: StatusFiring, Labels: map[string]string{"alertname": "HighLatency", "cause": "memory", "agent": "scanner"}}
	resolved := Alert{Status: StatusResolved, Labels: map[string]string{"alertname": "HighLatency", "cause": "timeout", "agent": "scanner"}}

	sum, err := p.Process(context.Background(), Batch{Alerts: []Alert{firing, other, firing, resolved}})
	require.NoError(t, err)
	assert.Equal(t, Summary{Received: 4, Fired: 2, Suppressed: 1, Resolved: 1}, sum)
	require.Len(t, n.msgs, 3)
	assert.Equal(t, "RESOLVED HighLatency", n.msgs[2].Title)
}
