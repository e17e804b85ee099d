package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a step of a generation request's lifecycle
type State string

const (
	StateReceived        State = "received"
	StateValidated       State = "validated"
	StateCreditsReserved State = "credits_reserved"
	StatePromptComposed  State = "prompt_composed"
	StateModelInvoked    State = "model_invoked"
	StateResponded       State = "responded"
)

// Config holds gateway configuration
type Config struct {
	// Ledger performs atomic debits (required)
	Ledger Ledger

	// Prompts resolves fragment ids (required)
	Prompts PromptRepository

	// Generator calls the generation model (required)
	Generator Generator

	// DefaultCost applies to fragments without a cost (default: 3)
	DefaultCost int

	// DefaultModelID applies to fragments without a model (default: gemini-2.5-flash-image)
	DefaultModelID string

	// RefundOnFailure credits the debited cost back when generation fails after
	// a successful debit. Off by default: an attempted generation is billable.
	RefundOnFailure bool

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking gateway operations (default: NoopMetrics)
	Metrics Metrics
}

// DefaultConfig returns a configuration with the standard cost and model
// defaults. Ledger, Prompts and Generator must still be set.
func DefaultConfig() Config {
	return Config{
		DefaultCost:    DefaultCost,
		DefaultModelID: DefaultModelID,
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Prompts == nil {
		return fmt.Errorf("prompt repository is required")
	}
	if c.Generator == nil {
		return fmt.Errorf("generator is required")
	}
	if c.DefaultCost < 0 {
		return fmt.Errorf("default cost must not be negative")
	}
	return nil
}

// Gateway orchestrates credit debit, prompt composition, model invocation and
// response interpretation for one generation at a time. It holds no mutable
// state between requests.
type Gateway struct {
	config  Config
	invoker *Invoker
}

// New creates a gateway with the given configuration
func New(config Config) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.DefaultCost == 0 {
		config.DefaultCost = DefaultCost
	}
	if config.DefaultModelID == "" {
		config.DefaultModelID = DefaultModelID
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Gateway{
		config:  config,
		invoker: NewInvoker(config.Generator),
	}, nil
}

// FeatureInfo is the client-visible pricing of a feature
type FeatureInfo struct {
	ID      string `json:"id"`
	Cost    int    `json:"cost"`
	ModelID string `json:"model_id"`
}

// LookupFeature resolves a feature id with cost and model defaults applied
func (g *Gateway) LookupFeature(ctx context.Context, featureID string) (*FeatureInfo, error) {
	if isBlank(featureID) {
		return nil, validationError("feature_id is required")
	}
	fragments, err := g.config.Prompts.FetchFragments(ctx, []string{featureID})
	if err != nil {
		return nil, fmt.Errorf("read prompt configuration: %w", err)
	}
	base, ok := fragments[featureID]
	if !ok || base == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownFeature, featureID)
	}
	return &FeatureInfo{
		ID:      featureID,
		Cost:    base.EffectiveCost(g.config.DefaultCost),
		ModelID: base.EffectiveModelID(g.config.DefaultModelID),
	}, nil
}

// Generate runs one generation request to completion.
//
// Nothing is debited unless the request is valid and the feature resolves.
// Once credits are reserved the request detaches from ctx cancellation and
// runs to a response. Credits are not returned on failure unless
// RefundOnFailure is set. Calling Generate twice with the same input debits twice.
func (g *Gateway) Generate(ctx context.Context, req *GenerationRequest) (*Result, error) {
	start := time.Now()
	run := &generation{gw: g, req: req, requestID: uuid.NewString()}

	result, err := run.execute(ctx)

	class := Classify(err)
	g.config.Metrics.RecordGeneration(req.FeatureID, class, time.Since(start))
	run.transition(StateResponded, Field{Key: "classification", Value: string(class)})
	return result, err
}

// generation is the per-request state of one Generate call
type generation struct {
	gw        *Gateway
	req       *GenerationRequest
	requestID string
	state     State
	debit     *DebitResult
	cost      int
}

func (r *generation) transition(state State, fields ...Field) {
	r.state = state
	fields = append([]Field{
		{Key: "request_id", Value: r.requestID},
		{Key: "state", Value: string(state)},
		{Key: "user_id", Value: r.req.UserID},
		{Key: "feature_id", Value: r.req.FeatureID},
	}, fields...)
	r.gw.config.Logger.Debug("generation state", fields...)
}

func (r *generation) execute(ctx context.Context) (*Result, error) {
	cfg := r.gw.config
	req := r.req
	r.transition(StateReceived)

	// Received -> Validated
	switch {
	case len(req.PrimaryImage) == 0:
		return nil, validationError("primary image is required")
	case isBlank(req.UserID):
		return nil, validationError("user_id is required")
	case isBlank(req.FeatureID):
		return nil, validationError("feature_id is required")
	}

	fragments, err := cfg.Prompts.FetchFragments(ctx, req.FragmentIDs())
	if err != nil {
		r.fail(ClassInternal, err)
		return nil, fmt.Errorf("read prompt configuration: %w", err)
	}
	base := fragments[req.FeatureID]
	if base == nil {
		return nil, fmt.Errorf("%w %q", ErrUnknownFeature, req.FeatureID)
	}
	opt1 := lookupOption(fragments, req.Option1ID)
	opt2 := lookupOption(fragments, req.Option2ID)
	modelID := base.EffectiveModelID(cfg.DefaultModelID)
	r.transition(StateValidated, Field{Key: "model_id", Value: modelID})

	// Validated -> CreditsReserved
	r.cost = base.EffectiveCost(cfg.DefaultCost)
	debitStart := time.Now()
	debit, err := cfg.Ledger.Debit(ctx, req.UserID, r.cost)
	cfg.Metrics.RecordLedgerOperation("debit", time.Since(debitStart), err)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		r.fail(ClassLedger, err)
		return nil, err
	}
	cfg.Metrics.RecordDebit(req.FeatureID, r.cost, debit.Success)
	if !debit.Success {
		err = &InsufficientCreditsError{Debit: debit}
		r.fail(ClassInsufficient, err, Field{Key: "cost", Value: r.cost}, Field{Key: "balance", Value: debit.NewBalance})
		return nil, err
	}
	r.debit = debit
	cfg.Logger.Info("credits debited",
		Field{Key: "request_id", Value: r.requestID},
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "feature_id", Value: req.FeatureID},
		Field{Key: "cost", Value: r.cost},
		Field{Key: "new_balance", Value: debit.NewBalance},
	)
	r.transition(StateCreditsReserved)

	// the caller going away no longer stops the request
	ctx = context.WithoutCancel(ctx)

	// CreditsReserved -> PromptComposed
	prompt := Compose(base, opt1, opt2)
	r.transition(StatePromptComposed, Field{Key: "prompt_length", Value: len(prompt)})

	// PromptComposed -> ModelInvoked
	callStart := time.Now()
	resp, err := r.gw.invoker.Invoke(ctx, modelID, prompt, req.PrimaryImage, req.SecondaryImage)
	cfg.Metrics.RecordModelCall(modelID, time.Since(callStart), err)
	if err != nil {
		r.fail(ClassModelTransport, err, Field{Key: "model_id", Value: modelID})
		r.compensate(ctx)
		return nil, err
	}
	r.transition(StateModelInvoked)

	image, err := Interpret(resp)
	if err != nil {
		fields := []Field{{Key: "model_id", Value: modelID}}
		var stop *PolicyStopError
		if errors.As(err, &stop) {
			fields = append(fields, Field{Key: "finish_reason", Value: stop.Reason}, Field{Key: "safety_ratings", Value: stop.SafetyRatings})
		}
		var refusal *RefusalError
		if errors.As(err, &refusal) {
			fields = append(fields, Field{Key: "model_text", Value: refusal.Text})
		}
		r.fail(Classify(err), err, fields...)
		r.compensate(ctx)
		return nil, err
	}

	cfg.Logger.Info("image generated",
		Field{Key: "request_id", Value: r.requestID},
		Field{Key: "user_id", Value: req.UserID},
		Field{Key: "feature_id", Value: req.FeatureID},
		Field{Key: "model_id", Value: modelID},
		Field{Key: "mime_type", Value: image.MIMEType},
	)

	return &Result{
		Image:      image,
		FeatureID:  req.FeatureID,
		ModelID:    modelID,
		Cost:       r.cost,
		NewBalance: debit.NewBalance,
	}, nil
}

func (r *generation) fail(class Classification, err error, extra ...Field) {
	fields := append([]Field{
		{Key: "request_id", Value: r.requestID},
		{Key: "user_id", Value: r.req.UserID},
		{Key: "feature_id", Value: r.req.FeatureID},
		{Key: "classification", Value: string(class)},
		{Key: "state", Value: string(r.state)},
		{Key: "error", Value: err.Error()},
	}, extra...)
	if class == ClassInsufficient {
		r.gw.config.Logger.Warn("generation refused", fields...)
		return
	}
	r.gw.config.Logger.Error("generation failed", fields...)
}

// compensate credits the reserved cost back when refunds are enabled
func (r *generation) compensate(ctx context.Context) {
	cfg := r.gw.config
	if !cfg.RefundOnFailure || r.debit == nil {
		return
	}

	key := r.debit.TransactionID
	if key == "" {
		key = r.requestID
	}
	start := time.Now()
	_, err := cfg.Ledger.Credit(ctx, &CreditRequest{
		UserID:         r.req.UserID,
		Amount:         r.cost,
		Source:         CreditSourcePack,
		IdempotencyKey: "refund:" + key,
		Reason:         "failed_generation",
	})
	cfg.Metrics.RecordLedgerOperation("refund", time.Since(start), err)
	cfg.Metrics.RecordRefund(r.req.FeatureID, r.cost, err)
	if err != nil && !errors.Is(err, ErrIdempotencyKeyExists) {
		cfg.Logger.Error("refund failed",
			Field{Key: "request_id", Value: r.requestID},
			Field{Key: "user_id", Value: r.req.UserID},
			Field{Key: "amount", Value: r.cost},
			Field{Key: "error", Value: err.Error()},
		)
		return
	}
	cfg.Logger.Info("credits refunded",
		Field{Key: "request_id", Value: r.requestID},
		Field{Key: "user_id", Value: r.req.UserID},
		Field{Key: "amount", Value: r.cost},
	)
}

func lookupOption(fragments map[string]*Fragment, id string) *Fragment {
	if id == "" {
		return nil
	}
	return fragments[id]
}
