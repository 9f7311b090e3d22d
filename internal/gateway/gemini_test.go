package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medisync/rx-engine/internal/domain/prescription"
)

func completionResponse(text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"candidates": []map[string]interface{}{
			{"content": map[string]interface{}{"parts": []map[string]string{{"text": text}}}},
		},
	})
	return string(b)
}

func newTestGateway(t *testing.T, server *httptest.Server, models ...string) *Gemini {
	t.Helper()
	if len(models) == 0 {
		models = []string{"test-model"}
	}
	g, err := NewGemini(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Models:  models,
		Timeout: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}
	return g
}

var testPatient = prescription.PatientContext{Age: 34, Gender: "female", MedicalHistory: "asthma"}

func TestGenerateDraftSuccess(t *testing.T) {
	draftJSON := `{"diagnosis":"Common cold","medications":[{"name":"Paracetamol","dosage":"500mg","frequency":"Every 8 hours","duration":"5 days"}],"advice":"Rest","followUp":"Return in 5 days"}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Error("expected API key in query")
		}
		fmt.Fprint(w, completionResponse(draftJSON))
	}))
	defer server.Close()

	g := newTestGateway(t, server)
	draft, err := g.GenerateDraft(context.Background(), testPatient, "runny nose, cough")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if draft.Diagnosis != "Common cold" {
		t.Errorf("diagnosis = %q", draft.Diagnosis)
	}
	if len(draft.Medications) != 1 || draft.Medications[0].Name != "Paracetamol" {
		t.Errorf("medications = %+v", draft.Medications)
	}
}

func TestGenerateDraftStripsFences(t *testing.T) {
	fenced := "```json\n{\"diagnosis\":\"Migraine\",\"medications\":[],\"advice\":\"Hydrate\",\"followUp\":\"As needed\"}\n```"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionResponse(fenced))
	}))
	defer server.Close()

	g := newTestGateway(t, server)
	draft, err := g.GenerateDraft(context.Background(), testPatient, "headache")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if draft.Diagnosis != "Migraine" {
		t.Errorf("diagnosis = %q", draft.Diagnosis)
	}
}

func TestGenerateDraftNonJSONFallback(t *testing.T) {
	prose := "Based on the symptoms I recommend rest and plenty of fluids."

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionResponse(prose))
	}))
	defer server.Close()

	g := newTestGateway(t, server)
	draft, err := g.GenerateDraft(context.Background(), testPatient, "fatigue")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if len(draft.Medications) != 1 || draft.Medications[0].Name != "Please review AI response" {
		t.Errorf("medications = %+v", draft.Medications)
	}
	if draft.Advice != prose {
		t.Errorf("advice = %q", draft.Advice)
	}
	if draft.FollowUp != "Please review with patient" {
		t.Errorf("followUp = %q", draft.FollowUp)
	}
}

func TestGenerateDraftEmptyCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionResponse("   "))
	}))
	defer server.Close()

	g := newTestGateway(t, server)
	_, err := g.GenerateDraft(context.Background(), testPatient, "cough")
	if err == nil {
		t.Fatal("expected error")
	}
	if prescription.KindOf(err) != prescription.KindUpstream {
		t.Errorf("kind = %v", prescription.KindOf(err))
	}
	if !strings.Contains(err.Error(), "malformed") {
		t.Errorf("error = %v", err)
	}
}

func TestGenerateDraftEmptySymptoms(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("generator should not be called")
	}))
	defer server.Close()

	g := newTestGateway(t, server)
	_, err := g.GenerateDraft(context.Background(), testPatient, "   ")
	if err == nil {
		t.Fatal("expected error")
	}
	if prescription.KindOf(err) != prescription.KindValidation {
		t.Errorf("kind = %v", prescription.KindOf(err))
	}
}

func TestGenerateDraftErrorClassification(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"Rate limit exceeded"}}`, "rate limited"},
		{"quota exceeded", http.StatusTooManyRequests, `{"error":{"message":"Quota exhausted for the day"}}`, "quota exceeded"},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"API key not valid"}}`, "configuration invalid"},
		{"forbidden key", http.StatusForbidden, `{"error":{"message":"Permission denied"}}`, "configuration invalid"},
		{"unknown model", http.StatusNotFound, `{"error":{"message":"Model not found"}}`, "model unavailable"},
		{"server error", http.StatusInternalServerError, `{"error":{"message":"Internal"}}`, "service unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer server.Close()

			g := newTestGateway(t, server)
			_, err := g.GenerateDraft(context.Background(), testPatient, "cough")
			if err == nil {
				t.Fatal("expected error")
			}
			if prescription.KindOf(err) != prescription.KindUpstream {
				t.Errorf("kind = %v", prescription.KindOf(err))
			}
			if !strings.Contains(err.Error(), tc.message) {
				t.Errorf("error %q does not mention %q", err, tc.message)
			}
		})
	}
}

func TestGenerateDraftModelFallback(t *testing.T) {
	var tried []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Path is /{model}:generateContent.
		model := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ":generateContent")
		tried = append(tried, model)
		if model == "model-a" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, completionResponse(`{"diagnosis":"Flu","medications":[],"advice":"Rest","followUp":"None"}`))
	}))
	defer server.Close()

	g := newTestGateway(t, server, "model-a", "model-b", "model-c")
	draft, err := g.GenerateDraft(context.Background(), testPatient, "fever")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if draft.Diagnosis != "Flu" {
		t.Errorf("diagnosis = %q", draft.Diagnosis)
	}
	if len(tried) != 2 || tried[0] != "model-a" || tried[1] != "model-b" {
		t.Errorf("tried = %v", tried)
	}
}

func TestGenerateDraftTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only cancels r.Context() on client disconnect once the
		// request body has been consumed; drain it so the wait below returns.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	g, err := NewGemini(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Models:  []string{"test-model"},
		Timeout: 5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("create gateway: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = g.GenerateDraft(ctx, testPatient, "cough")
	if err == nil {
		t.Fatal("expected error")
	}
	if prescription.KindOf(err) != prescription.KindUpstream {
		t.Errorf("kind = %v", prescription.KindOf(err))
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("error = %v", err)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	g := newTestGateway(t, server)

	// Default breaker opens after five consecutive failures.
	for i := 0; i < 5; i++ {
		if _, err := g.GenerateDraft(context.Background(), testPatient, "cough"); err == nil {
			t.Fatal("expected error")
		}
	}
	upstream := calls.Load()

	_, err := g.GenerateDraft(context.Background(), testPatient, "cough")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "temporarily unavailable") {
		t.Errorf("error = %v", err)
	}
	if calls.Load() != upstream {
		t.Errorf("open circuit reached upstream: %d calls after %d", calls.Load(), upstream)
	}
}

func TestBuildPromptIncludesContext(t *testing.T) {
	prompt := buildPrompt(prescription.PatientContext{Age: 42, Gender: "male", MedicalHistory: "hypertension"}, "chest pain")
	for _, want := range []string{"42 years old", "male", "hypertension", "chest pain", "valid JSON"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	prompt = buildPrompt(prescription.PatientContext{Age: 10}, "cough")
	if !strings.Contains(prompt, "None reported") {
		t.Error("empty history should fall back to None reported")
	}
}
