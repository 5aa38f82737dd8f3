package capturetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
)

// Factory hands out scripted viewers. The first FailOpens calls to Open fail.
type Factory struct {
	Doc       Doc
	FailOpens int
	OpenErr   error

	mu      sync.Mutex
	opens   int
	viewers []*Viewer
}

// Open implements capture.SessionFactory.
func (f *Factory) Open(ctx context.Context) (capture.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.opens <= f.FailOpens {
		if f.OpenErr != nil {
			return nil, f.OpenErr
		}
		return nil, fmt.Errorf("launch browser: attempt %d failed", f.opens)
	}
	v := NewViewer(f.Doc)
	f.viewers = append(f.viewers, v)
	return v, nil
}

// Opens reports how many times Open was called.
func (f *Factory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Viewers returns every viewer handed out.
func (f *Factory) Viewers() []*Viewer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Viewer(nil), f.viewers...)
}

// Codes is a CodeSource returning Code after Delay, or Err when set.
type Codes struct {
	Code  string
	Delay time.Duration
	Err   error

	mu    sync.Mutex
	calls int
}

// OneTimeCode implements capture.CodeSource.
func (c *Codes) OneTimeCode(ctx context.Context, deadline time.Time) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	wait := c.Delay
	if remaining := time.Until(deadline); wait > remaining {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return "", capture.ErrCodeTimeout
		}
	}
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return c.Code, nil
}

// Calls reports how many codes were requested.
func (c *Codes) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// PhaseReport is one recorded notification.
type PhaseReport struct {
	JobID   string
	Phase   capture.Phase
	Details map[string]string
}

// Notifier records phase reports.
type Notifier struct {
	mu      sync.Mutex
	reports []PhaseReport
}

// Notify implements capture.Notifier.
func (n *Notifier) Notify(jobID string, phase capture.Phase, details map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, PhaseReport{JobID: jobID, Phase: phase, Details: details})
}

// Phases lists the phases reported for jobID in order.
func (n *Notifier) Phases(jobID string) []capture.Phase {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []capture.Phase
	for _, r := range n.reports {
		if r.JobID == jobID {
			out = append(out, r.Phase)
		}
	}
	return out
}

// Details returns the details of the first report of phase for jobID.
func (n *Notifier) Details(jobID string, phase capture.Phase) map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range n.reports {
		if r.JobID == jobID && r.Phase == phase {
			return r.Details
		}
	}
	return nil
}

// Failure is one recorded failure report.
type Failure struct {
	Meta        capture.DeliveryMeta
	Kind        capture.Kind
	Explanation string
}

// Deliverer records deliveries in memory.
type Deliverer struct {
	LargeLocation string
	Err           error

	mu       sync.Mutex
	small    [][]byte
	large    [][]byte
	metas    []capture.DeliveryMeta
	failures []Failure
}

// DeliverSmall implements capture.Deliverer.
func (d *Deliverer) DeliverSmall(_ context.Context, data []byte, meta capture.DeliveryMeta) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return d.Err
	}
	d.small = append(d.small, data)
	d.metas = append(d.metas, meta)
	return nil
}

// DeliverLarge implements capture.Deliverer.
func (d *Deliverer) DeliverLarge(_ context.Context, data []byte, meta capture.DeliveryMeta) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return "", d.Err
	}
	d.large = append(d.large, data)
	d.metas = append(d.metas, meta)
	loc := d.LargeLocation
	if loc == "" {
		loc = "memory://" + meta.FileName
	}
	return loc, nil
}

// ReportFailure implements capture.Deliverer.
func (d *Deliverer) ReportFailure(_ context.Context, meta capture.DeliveryMeta, kind capture.Kind, explanation string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, Failure{Meta: meta, Kind: kind, Explanation: explanation})
	return nil
}

// Small returns the artifacts delivered inline.
func (d *Deliverer) Small() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.small...)
}

// Large returns the artifacts delivered by reference.
func (d *Deliverer) Large() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.large...)
}

// Metas returns the metadata of every delivered artifact.
func (d *Deliverer) Metas() []capture.DeliveryMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]capture.DeliveryMeta(nil), d.metas...)
}

// Failures returns every reported failure.
func (d *Deliverer) Failures() []Failure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Failure(nil), d.failures...)
}

// Flag is a settable CancelFlag.
type Flag struct {
	mu  sync.Mutex
	set bool
}

// Raise sets the flag.
func (f *Flag) Raise() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set = true
}

// Cancelled implements capture.CancelFlag.
func (f *Flag) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// ErrInjected is a generic failure for injection into fakes.
var ErrInjected = errors.New("injected failure")
