package router_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rkvantis/inferd/internal/errs"
	"github.com/rkvantis/inferd/internal/policy"
	"github.com/rkvantis/inferd/internal/router"
	"github.com/rkvantis/inferd/pkg/provider/llm"
	"github.com/rkvantis/inferd/pkg/types"
)

type fakeBreaker struct {
	permit    bool
	successes int
	failures  int
}

func (b *fakeBreaker) PermitCall() bool { return b.permit }
func (b *fakeBreaker) RecordSuccess()   { b.successes++ }
func (b *fakeBreaker) RecordFailure()   { b.failures++ }

type fakeBreakerLookup struct {
	breakers map[string]*fakeBreaker
}

func (l *fakeBreakerLookup) Breaker(providerID string) router.Breaker {
	b, ok := l.breakers[providerID]
	if !ok {
		return nil
	}
	return b
}

type fakeQuota struct {
	denyErr error
}

func (q *fakeQuota) Check(ctx context.Context, tenant types.TenantId) error { return q.denyErr }
func (q *fakeQuota) OnComplete(ctx context.Context, tenant types.TenantId)  {}
func (q *fakeQuota) ReserveTokens(ctx context.Context, tenant types.TenantId, input, output int64) error {
	return nil
}

type fakeSource struct {
	candidates []policy.Candidate
}

func (s *fakeSource) Candidates(poolID string) []policy.Candidate { return s.candidates }

type noopMetrics struct{}

func (noopMetrics) RecordProviderRequest(ctx context.Context, provider, model, status string) {}
func (noopMetrics) RecordProviderError(ctx context.Context, provider, code string)             {}
func (noopMetrics) RecordTokens(ctx context.Context, tenantID, direction string, count int64)  {}
func (noopMetrics) RecordFailover(ctx context.Context, fromProvider, toProvider string)        {}

type fakeProvider struct {
	id      string
	failErr error
}

func (p *fakeProvider) ID() string                              { return p.id }
func (p *fakeProvider) Capabilities() types.ProviderCapabilities { return types.ProviderCapabilities{} }
func (p *fakeProvider) Supports(string, types.InferenceRequest) bool { return true }
func (p *fakeProvider) Initialize(context.Context, llm.Config) error { return nil }
func (p *fakeProvider) Infer(ctx context.Context, req types.InferenceRequest) (*types.InferenceResponse, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	return &types.InferenceResponse{RequestID: req.RequestID, Content: "ok", Model: req.Model}, nil
}
func (p *fakeProvider) InferStream(ctx context.Context, req types.InferenceRequest) (<-chan types.StreamChunk, error) {
	if p.failErr != nil {
		return nil, p.failErr
	}
	ch := make(chan types.StreamChunk, 2)
	ch <- types.StreamChunk{RequestID: req.RequestID, SequenceNumber: 0, Token: "hi"}
	ch <- types.StreamChunk{RequestID: req.RequestID, SequenceNumber: 1, IsComplete: true, FinishReason: types.FinishStop}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Health(context.Context) types.ProviderHealth { return types.ProviderHealth{} }
func (p *fakeProvider) Shutdown(context.Context) error              { return nil }

type fakeRunnerLookup struct {
	providers map[string]llm.Provider
	errFor    map[string]error
}

func (l *fakeRunnerLookup) GetRunner(ctx context.Context, key types.RunnerCacheKey) (llm.Provider, error) {
	if err, ok := l.errFor[key.ProviderID]; ok {
		return nil, err
	}
	p, ok := l.providers[key.ProviderID]
	if !ok {
		return nil, errs.New(errs.CodeProviderUnavailable, "")
	}
	return p, nil
}

func TestInfer_SucceedsOnFirstHealthyCandidate(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{"a": &fakeProvider{id: "a"}}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{"a": {permit: true}}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{{ProviderID: "a", Healthy: true}}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	resp, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if breakers.breakers["a"].successes != 1 {
		t.Errorf("expected breaker success recorded, got %+v", breakers.breakers["a"])
	}
}

func TestInfer_FailsOverToNextCandidateOnRetryableError(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{
		"a": &fakeProvider{id: "a", failErr: errs.New(errs.CodeProviderUnavailable, "")},
		"b": &fakeProvider{id: "b"},
	}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{
		"a": {permit: true}, "b": {permit: true},
	}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{
		{ProviderID: "a", Healthy: true}, {ProviderID: "b", Healthy: true},
	}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	resp, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected fallback provider response, got %+v", resp)
	}
	if breakers.breakers["a"].failures != 1 {
		t.Errorf("expected breaker 'a' failure recorded")
	}
}

func TestInfer_NonRetryableErrorStopsImmediately(t *testing.T) {
	nonRetryable := errs.New(errs.CodeValidationFailed, "bad request")
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{
		"a": &fakeProvider{id: "a", failErr: nonRetryable},
		"b": &fakeProvider{id: "b"},
	}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{
		"a": {permit: true}, "b": {permit: true},
	}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{
		{ProviderID: "a", Healthy: true}, {ProviderID: "b", Healthy: true},
	}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	_, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if !errors.Is(err, nonRetryable) {
		var te *errs.Error
		if !errors.As(err, &te) || te.Code != errs.CodeValidationFailed {
			t.Fatalf("expected non-retryable error to propagate, got %v", err)
		}
	}
}

func TestInfer_NoCandidatesReturnsRoutingError(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: nil}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	_, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	var te *errs.Error
	if !errors.As(err, &te) || te.Code != errs.CodeRoutingNoCandidate {
		t.Fatalf("expected CodeRoutingNoCandidate, got %v", err)
	}
}

func TestInfer_QuotaDenialShortCircuits(t *testing.T) {
	denyErr := errs.New(errs.CodeQuotaExceeded, "")
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{"a": &fakeProvider{id: "a"}}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{"a": {permit: true}}}
	quota := &fakeQuota{denyErr: denyErr}
	source := &fakeSource{candidates: []policy.Candidate{{ProviderID: "a", Healthy: true}}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	_, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if !errors.Is(err, denyErr) {
		t.Fatalf("expected quota denial to propagate, got %v", err)
	}
}

func TestInfer_OpenBreakerSkipsToNextCandidate(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{
		"a": &fakeProvider{id: "a"}, "b": &fakeProvider{id: "b"},
	}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{
		"a": {permit: false}, "b": {permit: true},
	}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{
		{ProviderID: "a", Healthy: true}, {ProviderID: "b", Healthy: true},
	}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	resp, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" {
		t.Fatalf("expected provider 'b' to serve the request, got %+v", resp)
	}
}

func TestInferStream_RelaysChunksAndReleasesQuota(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{"a": &fakeProvider{id: "a"}}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{"a": {permit: true}}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{{ProviderID: "a", Healthy: true}}}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{})
	ch, err := r.InferStream(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var chunks []types.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !chunks[1].IsComplete {
		t.Errorf("expected last chunk to be terminal")
	}
	if breakers.breakers["a"].successes != 1 {
		t.Errorf("expected breaker success recorded after terminal chunk")
	}
}

type fakePacer struct {
	waitErr error
	calls   []string
}

func (p *fakePacer) Wait(ctx context.Context, providerID string) error {
	p.calls = append(p.calls, providerID)
	return p.waitErr
}

func TestInfer_PacerIsConsultedBeforeEachDispatch(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{"a": &fakeProvider{id: "a"}}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{"a": {permit: true}}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{{ProviderID: "a", Healthy: true}}}
	pacer := &fakePacer{}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{}, router.WithPacer(pacer))
	if _, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pacer.calls) != 1 || pacer.calls[0] != "a" {
		t.Fatalf("expected pacer consulted for provider 'a', got %v", pacer.calls)
	}
}

func TestInfer_PacerCancellationFailsOverLikeAnyOtherError(t *testing.T) {
	runners := &fakeRunnerLookup{providers: map[string]llm.Provider{
		"a": &fakeProvider{id: "a"}, "b": &fakeProvider{id: "b"},
	}}
	breakers := &fakeBreakerLookup{breakers: map[string]*fakeBreaker{
		"a": {permit: true}, "b": {permit: true},
	}}
	quota := &fakeQuota{}
	source := &fakeSource{candidates: []policy.Candidate{
		{ProviderID: "a", Healthy: true}, {ProviderID: "b", Healthy: true},
	}}
	pacer := &fakePacer{waitErr: errors.New("ctx done")}

	r := router.New(router.Config{}, runners, breakers, quota, source, noopMetrics{}, router.WithPacer(pacer))
	_, err := r.Infer(context.Background(), types.InferenceRequest{Model: "m"}, policy.New("FAILOVER"))
	if err == nil {
		t.Fatal("expected an error once the pacer denies every candidate")
	}
	if len(pacer.calls) != 2 {
		t.Fatalf("expected pacer consulted for both candidates, got %v", pacer.calls)
	}
}
