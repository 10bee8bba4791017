package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// Collaborator proposes a decision for a context. Implementations should
// honor ctx; Request enforces the deadline either way.
type Collaborator interface {
	Submit(ctx context.Context, in Context) (Decision, error)
}

// CollaboratorFunc adapts a function to Collaborator.
type CollaboratorFunc func(ctx context.Context, in Context) (Decision, error)

func (f CollaboratorFunc) Submit(ctx context.Context, in Context) (Decision, error) {
	return f(ctx, in)
}

// Reasons attached to safe defaults.
const (
	ReasonSafeDefault  = "safe_default"
	ReasonCriticalLoss = "safe_default_critical_loss"
)

// SafeDefault never opens. It closes the worst position whose leveraged ROI
// is at or below -criticalLossPct, and otherwise holds.
func SafeDefault(in Context, criticalLossPct float64) Decision {
	var worst *PositionView
	for i := range in.Positions {
		p := &in.Positions[i]
		if criticalLossPct <= 0 || p.LeveragedROI > -criticalLossPct {
			continue
		}
		if worst == nil || p.LeveragedROI < worst.LeveragedROI {
			worst = p
		}
	}
	if worst != nil {
		return Close{Symbol: worst.Meta.Symbol, Side: worst.Meta.Side, Reason: ReasonCriticalLoss}
	}
	return Hold{Symbol: in.Symbol, Reason: ReasonSafeDefault}
}

// Request asks c for a decision within deadline. On timeout, error or a
// decision for another symbol it returns SafeDefault together with the
// error that caused the fallback.
func Request(ctx context.Context, c Collaborator, in Context, deadline time.Duration, criticalLossPct float64) (Decision, error) {
	logger := log.With().Str("component", "decision").Str("symbol", in.Symbol).Logger()
	if in.SchemaVersion == 0 {
		in.SchemaVersion = SchemaVersion
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		d   Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := c.Submit(ctx, in)
		ch <- result{d, err}
	}()

	var err error
	select {
	case <-ctx.Done():
		err = types.NewDecisionTimeout(ctx.Err())
	case r := <-ch:
		switch {
		case r.err != nil && errors.Is(r.err, context.DeadlineExceeded):
			err = types.NewDecisionTimeout(r.err)
		case r.err != nil:
			err = r.err
		case r.d == nil:
			err = types.NewValidationError("malformed_decision", "collaborator returned no decision")
		case r.d.Target() != in.Symbol && r.d.Action() != ActionClose:
			err = types.NewValidationError("malformed_decision",
				"decision for %s in a %s request", r.d.Target(), in.Symbol)
		default:
			return r.d, nil
		}
	}

	fallback := SafeDefault(in, criticalLossPct)
	logger.Warn().
		Err(err).
		Str("fallback", string(fallback.Action())).
		Msg("decision unavailable, using safe default")
	return fallback, err
}

// Named pairs a collaborator with a label for fan-out results.
type Named struct {
	Name         string
	Collaborator Collaborator
}

// Result is one collaborator's answer in a fan-out.
type Result struct {
	Name     string
	Decision Decision
	Err      error
}

// FanOut queries every collaborator concurrently under one aggregate
// timeout. Answers that are missing when the timeout fires come back as
// Hold with a DecisionTimeout error; the batch itself never fails.
func FanOut(ctx context.Context, collabs []Named, in Context, timeout time.Duration) []Result {
	if in.SchemaVersion == 0 {
		in.SchemaVersion = SchemaVersion
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type indexed struct {
		i int
		r Result
	}
	ch := make(chan indexed, len(collabs))

	var wg sync.WaitGroup
	for i, nc := range collabs {
		wg.Add(1)
		go func(i int, nc Named) {
			defer wg.Done()
			d, err := nc.Collaborator.Submit(ctx, in)
			ch <- indexed{i, Result{Name: nc.Name, Decision: d, Err: err}}
		}(i, nc)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	results := make([]Result, len(collabs))
	got := make([]bool, len(collabs))
	pending := len(collabs)
	for pending > 0 {
		select {
		case <-ctx.Done():
			pending = 0
		case r, ok := <-ch:
			if !ok {
				pending = 0
				break
			}
			results[r.i] = r.r
			got[r.i] = true
			pending--
		}
	}

	for i, nc := range collabs {
		if !got[i] {
			results[i] = Result{Name: nc.Name, Err: types.NewDecisionTimeout(ctx.Err())}
		}
		if results[i].Decision == nil {
			results[i].Decision = Hold{Symbol: in.Symbol, Reason: ReasonSafeDefault}
		}
	}
	return results
}

// HTTPCollaborator posts the context as JSON and decodes a versioned decision.
type HTTPCollaborator struct {
	url string
	hc  *http.Client
}

// NewHTTPCollaborator posts to url with a client timeout.
func NewHTTPCollaborator(url string, timeout time.Duration) *HTTPCollaborator {
	return &HTTPCollaborator{
		url: strings.TrimRight(strings.TrimSpace(url), "/"),
		hc:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPCollaborator) Submit(ctx context.Context, in Context) (Decision, error) {
	body, err := marshalContext(in)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build decision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "klear-exec/decision")

	res, err := h.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewDecisionTimeout(err)
		}
		return nil, fmt.Errorf("decision request failed: %w", err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read decision response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("decision service %d: %s", res.StatusCode, string(data))
	}
	return Decode(data)
}
