package gateway_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/designgate/pkg/gateway"
	"github.com/mihaimyh/designgate/storage/memory"
)

var generatedPNG = []byte("\x89PNG\r\n\x1a\n-generated-")

// fakeGenerator records calls and returns a scripted response
type fakeGenerator struct {
	mu      sync.Mutex
	calls   int
	modelID string
	parts   []gateway.Part
	ctxErr  error
	resp    *gateway.ModelResponse
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, modelID string, parts []gateway.Part) (*gateway.ModelResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.modelID = modelID
	g.parts = parts
	g.ctxErr = ctx.Err()
	return g.resp, g.err
}

func imageResponse() *gateway.ModelResponse {
	return &gateway.ModelResponse{
		FinishReason: "STOP",
		Parts:        []gateway.Part{{InlineData: &gateway.Blob{MIMEType: "image/jpeg", Data: generatedPNG}}},
	}
}

// failingLedger fails every debit
type failingLedger struct {
	*memory.Storage
}

func (l *failingLedger) Debit(context.Context, string, int) (*gateway.DebitResult, error) {
	return nil, errors.New("connection reset by peer")
}

// failingPrompts fails every read
type failingPrompts struct{}

func (failingPrompts) FetchFragments(context.Context, []string) (map[string]*gateway.Fragment, error) {
	return nil, errors.New("permission denied")
}

func setupGateway(t *testing.T, gen *fakeGenerator, modify func(*gateway.Config)) (*gateway.Gateway, *memory.Storage) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.PutFragment(&gateway.Fragment{
		ID:             "gardendesign",
		Instruction:    "Redesign this garden.",
		NegativePrompt: "no logos",
		Cost:           3,
	}))
	require.NoError(t, store.PutFragment(&gateway.Fragment{
		ID:             "style_modern",
		Instruction:    "Use a modern style.",
		NegativePrompt: "no text",
	}))
	require.NoError(t, store.PutFragment(&gateway.Fragment{
		ID:          "cheap_feature",
		Instruction: "Tidy up.",
		ModelID:     "custom-model",
	}))

	cfg := gateway.Config{
		Ledger:    store,
		Prompts:   store,
		Generator: gen,
	}
	if modify != nil {
		modify(&cfg)
	}
	gw, err := gateway.New(cfg)
	require.NoError(t, err)
	return gw, store
}

func gardenRequest() *gateway.GenerationRequest {
	return &gateway.GenerationRequest{
		UserID:       "user-1",
		FeatureID:    "gardendesign",
		PrimaryImage: []byte("primary"),
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := gateway.New(gateway.Config{})
	assert.Error(t, err)

	store := memory.New()
	_, err = gateway.New(gateway.Config{Ledger: store, Prompts: store})
	assert.ErrorContains(t, err, "generator is required")
}

func TestGenerate_Success(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 5)

	res, err := gw.Generate(context.Background(), gardenRequest())
	require.NoError(t, err)

	assert.Equal(t, generatedPNG, res.Image.Data)
	assert.Equal(t, "image/jpeg", res.Image.MIMEType)
	assert.Equal(t, 3, res.Cost)
	assert.Equal(t, 2, res.NewBalance)
	assert.Equal(t, gateway.DefaultModelID, res.ModelID)
	assert.Equal(t, 1, gen.calls)
	assert.Len(t, gen.parts, 2)

	bal, _ := store.GetBalance(context.Background(), "user-1")
	assert.Equal(t, 2, bal.Total())
}

func TestGenerate_ComposesOptionsAndExclusions(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 10)

	req := gardenRequest()
	req.Option1ID = "style_modern"
	req.Option2ID = "unknown_option"
	req.SecondaryImage = []byte("reference")

	_, err := gw.Generate(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, gen.parts, 3)
	prompt := gen.parts[0].Text
	assert.True(t, strings.HasPrefix(prompt, "Redesign this garden.\n\nUse a modern style."))
	assert.Equal(t, 1, strings.Count(prompt, "NEGATIVE CONSTRAINTS"))
	assert.True(t, strings.HasSuffix(prompt, "no logos, no text"))
	assert.Equal(t, []byte("primary"), gen.parts[1].InlineData.Data)
	assert.Equal(t, []byte("reference"), gen.parts[2].InlineData.Data)
}

func TestGenerate_FragmentDefaults(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 5)

	req := gardenRequest()
	req.FeatureID = "cheap_feature"
	res, err := gw.Generate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, gateway.DefaultCost, res.Cost)
	assert.Equal(t, "custom-model", gen.modelID)
}

func TestGenerate_ValidationNeverDebits(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*gateway.GenerationRequest)
	}{
		{"missing image", func(r *gateway.GenerationRequest) { r.PrimaryImage = nil }},
		{"missing user", func(r *gateway.GenerationRequest) { r.UserID = " " }},
		{"missing feature", func(r *gateway.GenerationRequest) { r.FeatureID = "" }},
		{"unknown feature", func(r *gateway.GenerationRequest) { r.FeatureID = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{resp: imageResponse()}
			gw, store := setupGateway(t, gen, nil)
			store.SetBalance("user-1", 0, 5)

			req := gardenRequest()
			tt.modify(req)
			_, err := gw.Generate(context.Background(), req)

			assert.ErrorIs(t, err, gateway.ErrValidation)
			assert.Equal(t, gateway.ClassValidation, gateway.Classify(err))
			assert.Equal(t, 0, gen.calls)
			bal, _ := store.GetBalance(context.Background(), "user-1")
			assert.Equal(t, 5, bal.Total())
		})
	}
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 3)

	_, err := gw.Generate(context.Background(), gardenRequest())
	require.NoError(t, err, "exact balance must succeed")

	_, err = gw.Generate(context.Background(), gardenRequest())
	assert.ErrorIs(t, err, gateway.ErrInsufficientCredits)

	var insufficient *gateway.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.False(t, insufficient.Debit.Success)
	assert.Equal(t, 0, insufficient.Debit.NewBalance)
	assert.Equal(t, 1, gen.calls, "model must not be called without credits")
}

func TestGenerate_DuplicateRequestsDebitTwice(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 10)

	_, err := gw.Generate(context.Background(), gardenRequest())
	require.NoError(t, err)
	res, err := gw.Generate(context.Background(), gardenRequest())
	require.NoError(t, err)

	assert.Equal(t, 4, res.NewBalance)
	assert.Equal(t, 2, gen.calls)
}

func TestGenerate_LedgerUnavailable(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, _ := setupGateway(t, gen, func(cfg *gateway.Config) {
		cfg.Ledger = &failingLedger{Storage: memory.New()}
	})

	_, err := gw.Generate(context.Background(), gardenRequest())
	assert.ErrorIs(t, err, gateway.ErrLedgerUnavailable)
	assert.Equal(t, 0, gen.calls)
}

func TestGenerate_PromptStoreFailure(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, func(cfg *gateway.Config) {
		cfg.Prompts = failingPrompts{}
	})
	store.SetBalance("user-1", 0, 5)

	_, err := gw.Generate(context.Background(), gardenRequest())
	require.Error(t, err)
	assert.Equal(t, gateway.ClassInternal, gateway.Classify(err))

	bal, _ := store.GetBalance(context.Background(), "user-1")
	assert.Equal(t, 5, bal.Total())
}

func TestGenerate_FailuresAfterDebitKeepCharge(t *testing.T) {
	tests := []struct {
		name  string
		gen   *fakeGenerator
		want  error
		class gateway.Classification
	}{
		{
			name:  "policy stop with image",
			gen:   &fakeGenerator{resp: &gateway.ModelResponse{FinishReason: "SAFETY", Parts: imageResponse().Parts}},
			want:  gateway.ErrPolicyStop,
			class: gateway.ClassPolicyStop,
		},
		{
			name:  "textual refusal",
			gen:   &fakeGenerator{resp: &gateway.ModelResponse{FinishReason: "STOP", Parts: []gateway.Part{{Text: "I can't help with that."}}}},
			want:  gateway.ErrTextualRefusal,
			class: gateway.ClassRefusal,
		},
		{
			name:  "malformed",
			gen:   &fakeGenerator{resp: &gateway.ModelResponse{FinishReason: "STOP"}},
			want:  gateway.ErrMalformedResponse,
			class: gateway.ClassMalformed,
		},
		{
			name:  "transport",
			gen:   &fakeGenerator{err: errors.New("deadline exceeded")},
			want:  gateway.ErrModelTransport,
			class: gateway.ClassModelTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, store := setupGateway(t, tt.gen, nil)
			store.SetBalance("user-1", 0, 5)

			_, err := gw.Generate(context.Background(), gardenRequest())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.class, gateway.Classify(err))

			bal, _ := store.GetBalance(context.Background(), "user-1")
			assert.Equal(t, 2, bal.Total(), "failed generations stay charged by default")
		})
	}
}

func TestGenerate_RefundOnFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 500")}
	gw, store := setupGateway(t, gen, func(cfg *gateway.Config) {
		cfg.RefundOnFailure = true
	})
	store.SetBalance("user-1", 0, 5)

	_, err := gw.Generate(context.Background(), gardenRequest())
	assert.ErrorIs(t, err, gateway.ErrModelTransport)

	bal, _ := store.GetBalance(context.Background(), "user-1")
	assert.Equal(t, 5, bal.Total())
}

func TestGenerate_DetachedAfterDebit(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.Generate(ctx, gardenRequest())
	require.NoError(t, err)
	assert.NoError(t, gen.ctxErr, "model call must not observe caller cancellation")
}

func TestGenerate_ConcurrentSingleUser(t *testing.T) {
	gen := &fakeGenerator{resp: imageResponse()}
	gw, store := setupGateway(t, gen, nil)
	store.SetBalance("user-1", 0, 9)

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Generate(context.Background(), gardenRequest())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded, refused := 0, 0
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, gateway.ErrInsufficientCredits):
			refused++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 2, refused)

	bal, _ := store.GetBalance(context.Background(), "user-1")
	assert.Equal(t, 0, bal.Total())
}

func TestLookupFeature(t *testing.T) {
	gw, _ := setupGateway(t, &fakeGenerator{}, func(cfg *gateway.Config) {
		cfg.DefaultCost = 4
	})

	info, err := gw.LookupFeature(context.Background(), "gardendesign")
	require.NoError(t, err)
	assert.Equal(t, 3, info.Cost)
	assert.Equal(t, gateway.DefaultModelID, info.ModelID)

	info, err = gw.LookupFeature(context.Background(), "cheap_feature")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Cost)
	assert.Equal(t, "custom-model", info.ModelID)

	_, err = gw.LookupFeature(context.Background(), "missing")
	assert.ErrorIs(t, err, gateway.ErrUnknownFeature)
}
