// Package narrative produces the human-readable account of an insight run through a
// language model, falling back to a template when the model cannot deliver.
package narrative

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"cost-insight/pkg/api"
	ierrors "cost-insight/pkg/errors"
	"cost-insight/pkg/retry"
	"cost-insight/pkg/validation"
)

// Config tunes the model request
type Config struct {
	MaxOutputTokens int     `toml:"max_output_tokens" validate:"min=1"`
	Temperature     float64 `toml:"temperature" validate:"gte=0,lte=1"`
	GuardrailID     string  `toml:"guardrail_id"`
}

// DefaultConfig returns a capped, low-temperature request profile.
func DefaultConfig() Config {
	return Config{MaxOutputTokens: 1024, Temperature: 0.2}
}

// Validate checks the request profile.
func (c Config) Validate() error {
	return validation.Struct(c, ierrors.ErrCodeInvalidConfig, "narrative: ")
}

// AttemptObserver is told the outcome of every model call
type AttemptObserver func(outcome string)

// Synthesizer writes narratives
type Synthesizer struct {
	client   Client
	cfg      Config
	policy   retry.Policy
	opts     []retry.Option
	observer AttemptObserver
	logger   zerolog.Logger
}

// NewSynthesizer creates a synthesizer over client
func NewSynthesizer(client Client, cfg Config, policy retry.Policy) (*Synthesizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := policy.Validate(); err != nil {
		return nil, ierrors.NewConfigurationError(ierrors.ErrCodeInvalidConfig, "narrative retry: "+err.Error())
	}
	return &Synthesizer{client: client, cfg: cfg, policy: policy, logger: zerolog.Nop()}, nil
}

// WithLogger sets the logger
func (s *Synthesizer) WithLogger(l zerolog.Logger) *Synthesizer {
	s.logger = l
	return s
}

// WithRetryOptions passes options to every retry loop, such as a test sleeper.
func (s *Synthesizer) WithRetryOptions(opts ...retry.Option) *Synthesizer {
	s.opts = opts
	return s
}

// WithObserver registers an attempt observer
func (s *Synthesizer) WithObserver(o AttemptObserver) *Synthesizer {
	s.observer = o
	return s
}

// Synthesize returns a narrative and never fails.
//
// Unparseable output and transient backend errors are retried under the policy. When the
// attempts run out, or ctx expires, the templated narrative is returned as degraded.
// Permanent backend errors stop immediately with parse status error; the templated text
// is still attached so the bundle stays readable.
func (s *Synthesizer) Synthesize(ctx context.Context, in Input) api.NarrativeResult {
	if in.Empty() {
		return api.NarrativeResult{ParseStatus: api.ParseSkipped, KeyDrivers: []string{}}
	}

	log := s.logger.With().
		Str("component", "narrative").
		Str("client_id", in.ClientID).
		Stringer("window", in.Context.Window).
		Logger()
	req := BuildRequest(in, s.cfg)
	var result api.NarrativeResult
	attempts, err := s.policy.Do(ctx, func(actx context.Context, attempt int) error {
		resp, err := s.client.Complete(actx, req)
		if err != nil {
			s.observe("backend_error")
			return err
		}
		parsed, err := Parse(resp.Text)
		if err != nil {
			s.observe("unparseable")
			log.Debug().Err(err).Int("attempt", attempt).
				Str("stop_reason", resp.StopReason).Msg("model output rejected")
			return err
		}
		s.observe("structured")
		result = parsed
		return nil
	}, s.opts...)

	if err == nil {
		result.Attempts = attempts
		return result
	}

	fallback := Template(in)
	fallback.Attempts = attempts
	fallback.Error = err.Error()
	switch {
	case ierrors.KindOf(err) == ierrors.KindPermanent:
		fallback.ParseStatus = api.ParseError
		log.Error().Err(err).Int("attempts", attempts).Msg("model call rejected")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		log.Warn().Err(err).Int("attempts", attempts).Msg("narrative deadline reached, using template")
	default:
		log.Warn().Err(err).Int("attempts", attempts).Msg("retries exhausted, using template")
	}
	return fallback
}

func (s *Synthesizer) observe(outcome string) {
	if s.observer != nil {
		s.observer(outcome)
	}
}

// NoopSleeper returns immediately; it lets tests and dry runs skip backoff waits.
func NoopSleeper(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
