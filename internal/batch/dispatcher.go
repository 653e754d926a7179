package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"voicebridge/internal/domain"
	"voicebridge/internal/observability"
	"voicebridge/internal/providers/elevenlabs"
	"voicebridge/internal/util"
)

const (
	ModeCall   = "call"
	ModeSubmit = "submit"

	MaxSamples = 5

	ErrMsgCircuitOpen = "upstream circuit open"
)

type Caller interface {
	OutboundCall(ctx context.Context, req elevenlabs.OutboundCallRequest) (elevenlabs.Response, error)
	SubmitBatch(ctx context.Context, req elevenlabs.BatchSubmitRequest) (elevenlabs.Response, error)
}

type Dispatcher struct {
	Client Caller
	// Mode is ModeCall (one call per recipient, the default) or ModeSubmit.
	Mode  string
	Retry elevenlabs.RetryPolicy
	// Delay is the pause between two calls made by the same worker.
	Delay       time.Duration
	Concurrency int
	Limiter     *rate.Limiter
	Breaker     *gobreaker.CircuitBreaker
	NewID       func() string
	Logger      *slog.Logger
}

type outcome struct {
	sent    bool
	failure domain.BatchFailure
	sample  domain.BatchSample
}

// Dispatch calls every recipient and reports per-recipient outcomes. The
// error return is limited to input validation; upstream failures end up in
// the result.
func (d *Dispatcher) Dispatch(ctx context.Context, callName, agentID, phoneNumberID string, recipients []domain.Recipient) (domain.BatchResult, error) {
	if len(recipients) == 0 {
		return domain.BatchResult{}, domain.ErrNoRecipients
	}
	if strings.TrimSpace(agentID) == "" {
		return domain.BatchResult{}, domain.ErrMissingAgentID
	}
	if strings.TrimSpace(phoneNumberID) == "" {
		return domain.BatchResult{}, domain.ErrMissingPhoneNumberID
	}

	res := domain.BatchResult{
		OK:       true,
		BatchID:  d.newID(),
		CallName: callName,
		Total:    len(recipients),
		Failures: []domain.BatchFailure{},
		Samples:  []domain.BatchSample{},
	}
	log := d.logger().With("batch_id", res.BatchID, "agent_id", agentID)

	var outcomes []outcome
	if d.Mode == ModeSubmit {
		outcomes = d.submit(ctx, callName, agentID, phoneNumberID, recipients)
	} else {
		outcomes = d.callAll(ctx, agentID, phoneNumberID, recipients)
	}

	for _, o := range outcomes {
		if o.sent {
			res.Sent++
			if len(res.Samples) < MaxSamples {
				res.Samples = append(res.Samples, o.sample)
			}
			continue
		}
		res.Failed++
		res.Failures = append(res.Failures, o.failure)
		log.Warn("batch recipient failed", "phone", o.failure.PhoneNumber, "status", o.failure.StatusCode, "error", o.failure.Error)
	}

	log.Info("batch dispatched", "mode", d.mode(), "total", res.Total, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

func (d *Dispatcher) callAll(ctx context.Context, agentID, phoneNumberID string, recipients []domain.Recipient) []outcome {
	outcomes := make([]outcome, len(recipients))
	workers := d.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(recipients) {
		workers = len(recipients)
	}

	idx := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first := true
			for i := range idx {
				phone := strings.TrimSpace(recipients[i].PhoneNumber)
				if phone == "" {
					observability.BatchCalls.WithLabelValues("missing_phone").Inc()
					outcomes[i] = outcome{failure: domain.BatchFailure{PhoneNumber: recipients[i].PhoneNumber, Error: domain.ErrMsgMissingPhone}}
					continue
				}
				if !first && d.Delay > 0 {
					_ = elevenlabs.Sleep(ctx, d.Delay)
				}
				first = false
				outcomes[i] = d.callOne(ctx, agentID, phoneNumberID, phone, recipients[i])
			}
		}()
	}
	for i := range recipients {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return outcomes
}

func (d *Dispatcher) callOne(ctx context.Context, agentID, phoneNumberID, phone string, r domain.Recipient) outcome {
	req := elevenlabs.OutboundCallRequest{
		AgentID:            agentID,
		AgentPhoneNumberID: phoneNumberID,
		ToNumber:           phone,
	}
	if fields := r.CustomFields(); len(fields) > 0 {
		req.ClientData = &elevenlabs.ClientData{DynamicVariables: fields}
	}

	resp, failure, ok := d.attempt(ctx, func(ctx context.Context) (elevenlabs.Response, error) {
		return d.Client.OutboundCall(ctx, req)
	})
	if !ok {
		failure.PhoneNumber = phone
		return outcome{failure: failure}
	}
	observability.BatchCalls.WithLabelValues("sent").Inc()
	call := elevenlabs.ParseOutboundCallResult(resp)
	return outcome{sent: true, sample: domain.BatchSample{
		PhoneNumber:    phone,
		StatusCode:     resp.Status,
		ConversationID: call.ConversationID,
		CallSid:        call.CallSid,
	}}
}

func (d *Dispatcher) submit(ctx context.Context, callName, agentID, phoneNumberID string, recipients []domain.Recipient) []outcome {
	outcomes := make([]outcome, len(recipients))
	req := elevenlabs.BatchSubmitRequest{
		CallName:           callName,
		AgentID:            agentID,
		AgentPhoneNumberID: phoneNumberID,
	}
	valid := make([]int, 0, len(recipients))
	for i, r := range recipients {
		phone := strings.TrimSpace(r.PhoneNumber)
		if phone == "" {
			observability.BatchCalls.WithLabelValues("missing_phone").Inc()
			outcomes[i] = outcome{failure: domain.BatchFailure{PhoneNumber: r.PhoneNumber, Error: domain.ErrMsgMissingPhone}}
			continue
		}
		row := elevenlabs.BatchRecipient{"phone_number": phone}
		for k, v := range r.CustomFields() {
			row[k] = v
		}
		req.Recipients = append(req.Recipients, row)
		valid = append(valid, i)
	}
	if len(valid) == 0 {
		return outcomes
	}

	resp, failure, ok := d.attempt(ctx, func(ctx context.Context) (elevenlabs.Response, error) {
		return d.Client.SubmitBatch(ctx, req)
	})
	for _, i := range valid {
		phone := strings.TrimSpace(recipients[i].PhoneNumber)
		if !ok {
			f := failure
			f.PhoneNumber = phone
			outcomes[i] = outcome{failure: f}
			continue
		}
		observability.BatchCalls.WithLabelValues("sent").Inc()
		outcomes[i] = outcome{sent: true, sample: domain.BatchSample{PhoneNumber: phone, StatusCode: resp.Status}}
	}
	return outcomes
}

// attempt runs call with pacing, the breaker and bounded retries. On failure
// the returned BatchFailure carries the last status and message; when every
// attempt hit a retryable failure it is prefixed with ErrRetryExhausted.
func (d *Dispatcher) attempt(ctx context.Context, call func(context.Context) (elevenlabs.Response, error)) (elevenlabs.Response, domain.BatchFailure, bool) {
	var failure domain.BatchFailure
	attempts := d.Retry.Attempts()
	exhausted := false

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := elevenlabs.Sleep(ctx, d.Retry.Delay(attempt-1)); err != nil {
				failure = domain.BatchFailure{Error: err.Error(), StatusCode: failure.StatusCode}
				break
			}
		}

		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				observability.BatchCalls.WithLabelValues("rate_limited_local").Inc()
				failure = domain.BatchFailure{Error: err.Error()}
				break
			}
		}

		resp, err := d.executeWithBreaker(ctx, call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.BatchCalls.WithLabelValues("cb_open").Inc()
			return resp, domain.BatchFailure{Error: ErrMsgCircuitOpen}, false
		}
		if err == nil && resp.OK() {
			return resp, domain.BatchFailure{}, true
		}

		var retry bool
		if resp.Status == 0 {
			failure = domain.BatchFailure{Error: err.Error()}
			retry = elevenlabs.ShouldRetry(0, err)
		} else {
			failure = domain.BatchFailure{Error: resp.ErrorMessage(), StatusCode: resp.Status}
			retry = elevenlabs.ShouldRetry(resp.Status, nil)
		}
		if !retry {
			break
		}
		exhausted = attempt == attempts-1
	}

	if exhausted {
		failure.Error = fmt.Sprintf("%s: %s", elevenlabs.ErrRetryExhausted, failure.Error)
		failure.RetriesExhausted = true
		observability.BatchCalls.WithLabelValues("retries_exhausted").Inc()
	}
	observability.BatchCalls.WithLabelValues("failed").Inc()
	return elevenlabs.Response{}, failure, false
}

// executeWithBreaker counts transport errors, 429 and 5xx against the
// breaker. Other statuses pass through as a normal response.
func (d *Dispatcher) executeWithBreaker(ctx context.Context, call func(context.Context) (elevenlabs.Response, error)) (elevenlabs.Response, error) {
	run := func() (any, error) {
		resp, err := call(ctx)
		if err != nil {
			return nil, callError{err: err}
		}
		if elevenlabs.ShouldRetry(resp.Status, nil) {
			return nil, callError{err: resp.Err(), resp: resp}
		}
		return resp, nil
	}

	var (
		v   any
		err error
	)
	if d.Breaker == nil {
		v, err = run()
	} else {
		v, err = d.Breaker.Execute(run)
	}
	if err != nil {
		var ce callError
		if errors.As(err, &ce) {
			return ce.resp, ce.err
		}
		return elevenlabs.Response{}, err
	}
	return v.(elevenlabs.Response), nil
}

func (d *Dispatcher) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return util.NewBatchID()
}

func (d *Dispatcher) mode() string {
	if d.Mode == ModeSubmit {
		return ModeSubmit
	}
	return ModeCall
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type callError struct {
	err  error
	resp elevenlabs.Response
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }
