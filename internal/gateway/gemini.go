// Package gateway isolates the lifecycle engine from the external draft
// generator. It normalizes generator output into a fixed shape and maps
// upstream failure modes into the domain error taxonomy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medisync/rx-engine/internal/domain/prescription"
	"github.com/medisync/rx-engine/pkg/circuitbreaker"
)

// DefaultBaseURL is the Gemini generateContent endpoint root.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// Config holds gateway configuration, injected at construction. There is no
// ambient client state.
type Config struct {
	// APIKey authenticates against the generator API.
	APIKey string
	// BaseURL overrides the generator endpoint root, mainly for tests.
	BaseURL string
	// Models are candidate model names tried in order for one request.
	Models []string
	// Timeout bounds a single HTTP call to the generator.
	Timeout time.Duration
}

// DefaultModels are the candidate backends tried in sequence.
func DefaultModels() []string {
	return []string{"gemini-2.0-flash-exp", "gemini-2.0-flash", "gemini-1.5-flash"}
}

// Gemini generates prescription drafts via the Gemini REST API. It performs
// no retries for a single logical request; candidate models are tried in
// sequence, short-circuiting on first success.
type Gemini struct {
	cfg     Config
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewGemini creates the gateway. Missing config fields get defaults.
func NewGemini(cfg Config, logger *zap.Logger) (*Gemini, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("draft-generator"), logger)
	if err != nil {
		return nil, fmt.Errorf("create breaker: %w", err)
	}

	return &Gemini{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("draft-gateway"),
	}, nil
}

// GenerateDraft produces a structured draft for the given patient context and
// symptoms. The returned draft is always fully shaped; failures surface as
// upstream errors with a stable, human-readable cause.
func (g *Gemini) GenerateDraft(ctx context.Context, patient prescription.PatientContext, symptoms string) (*prescription.Draft, error) {
	ctx, span := g.tracer.Start(ctx, "generate_draft")
	defer span.End()

	if strings.TrimSpace(symptoms) == "" {
		return nil, prescription.E(prescription.KindValidation, "symptoms are required")
	}

	prompt := buildPrompt(patient, symptoms)

	result, err := g.breaker.Execute(ctx, func() (interface{}, error) {
		return g.generate(ctx, prompt)
	})
	if err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}

	text := result.(string)
	draft, err := parseDraft(text)
	if err != nil {
		span.RecordError(err)
		return nil, classify(err)
	}
	draft.Normalize()

	span.SetAttributes(attribute.Int("medications", len(draft.Medications)))
	return draft, nil
}

// generate tries each candidate model in order and returns the first
// successful raw completion text.
func (g *Gemini) generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, model := range g.cfg.Models {
		text, err := g.callModel(ctx, model, prompt)
		if err != nil {
			g.logger.Warn("generator model failed",
				zap.String("model", model),
				zap.Error(err))
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		g.logger.Debug("generator model succeeded", zap.String("model", model))
		return text, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no generator models configured")
	}
	return "", lastErr
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// apiError is a non-2xx generator response.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("generator returned %d: %s", e.status, e.message)
}

// malformedError is a 2xx response whose payload is unusable.
type malformedError struct {
	reason string
}

func (e *malformedError) Error() string {
	return "malformed generator response: " + e.reason
}

func (g *Gemini) callModel(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:     0.7,
			MaxOutputTokens: 1000,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", g.cfg.BaseURL, model, g.cfg.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var eb apiErrorBody
		_ = json.Unmarshal(data, &eb)
		return "", &apiError{status: resp.StatusCode, message: eb.Error.Message}
	}

	var gr generateResponse
	if err := json.Unmarshal(data, &gr); err != nil {
		return "", &malformedError{reason: "response is not JSON"}
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return "", &malformedError{reason: "no candidates in response"}
	}
	return gr.Candidates[0].Content.Parts[0].Text, nil
}

// parseDraft parses the completion text into a draft. Formatting artifacts
// are stripped before parsing; when the text still is not valid JSON the raw
// text is embedded under advice rather than failing. Only an empty
// completion is a hard error.
func parseDraft(text string) (*prescription.Draft, error) {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	if cleaned == "" {
		return nil, &malformedError{reason: "empty completion"}
	}

	var draft prescription.Draft
	if err := json.Unmarshal([]byte(cleaned), &draft); err == nil {
		return &draft, nil
	}

	advice := cleaned
	if len(advice) > 500 {
		advice = advice[:500]
	}
	return &prescription.Draft{
		Medications: []prescription.Medication{
			{Name: "Please review AI response", Dosage: "N/A", Frequency: "N/A", Duration: "N/A"},
		},
		Advice:   advice,
		FollowUp: "Please review with patient",
	}, nil
}

// classify maps a raw gateway failure onto the uniform upstream error kind
// with a stable message category.
func classify(err error) error {
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return prescription.Wrap(prescription.KindUpstream, "prescription generation temporarily unavailable", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return prescription.Wrap(prescription.KindUpstream, "prescription generation timed out", err)
	}

	var ae *apiError
	if errors.As(err, &ae) {
		switch {
		case ae.status == http.StatusTooManyRequests:
			if strings.Contains(strings.ToLower(ae.message), "rate") {
				return prescription.Wrap(prescription.KindUpstream, "prescription generation rate limited", err)
			}
			return prescription.Wrap(prescription.KindUpstream, "prescription generation quota exceeded", err)
		case ae.status == http.StatusUnauthorized || ae.status == http.StatusForbidden:
			return prescription.Wrap(prescription.KindUpstream, "prescription generator configuration invalid", err)
		case ae.status == http.StatusNotFound:
			return prescription.Wrap(prescription.KindUpstream, "prescription generator model unavailable", err)
		case ae.status >= 500:
			return prescription.Wrap(prescription.KindUpstream, "prescription generation service unavailable", err)
		}
	}

	var me *malformedError
	if errors.As(err, &me) {
		return prescription.Wrap(prescription.KindUpstream, "prescription generation returned malformed output", err)
	}

	return prescription.Wrap(prescription.KindUpstream, "prescription generation failed", err)
}

func buildPrompt(patient prescription.PatientContext, symptoms string) string {
	history := patient.MedicalHistory
	if history == "" {
		history = "None reported"
	}

	var b strings.Builder
	b.WriteString("You are an expert medical AI assistant helping doctors create accurate prescription drafts.\n\n")
	fmt.Fprintf(&b, "Patient Information:\n- Age: %d years old\n- Gender: %s\n- Medical History: %s\n- Current Symptoms: %s\n\n",
		patient.Age, patient.Gender, history, symptoms)
	b.WriteString(`Task: Generate a comprehensive, medically accurate prescription based on the patient's symptoms and medical history.

CRITICAL: Respond ONLY with valid JSON (no markdown, no code blocks, no explanations - just pure JSON):

{
  "diagnosis": "Primary diagnosis based on symptoms (be specific)",
  "medications": [
    {
      "name": "Generic medication name",
      "dosage": "Specific amount (e.g., 500mg, 10ml)",
      "frequency": "Exact timing (e.g., Every 8 hours, Twice daily after meals)",
      "duration": "Treatment period (e.g., 5-7 days, 2 weeks)"
    }
  ],
  "advice": "Detailed lifestyle recommendations, dietary advice, precautions, and warning signs to watch for",
  "followUp": "Specific follow-up recommendation (e.g., Return in 3-5 days if symptoms persist)"
}

Guidelines:
- Provide 1-3 appropriate medications based on symptoms
- Use generic medication names
- Be specific with dosages appropriate for age and condition
- Include clear frequency and duration
- Consider patient's age and medical history
- Include warning signs that require immediate medical attention`)
	return b.String()
}
