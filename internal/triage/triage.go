// Package triage is the secondary resolution path for failure ledger
// entries. It asks a Gemini model to propose a corrected form of each
// unresolvable address; suggestions go to an operator-facing CSV, never
// back into the pipeline automatically.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/sgproperty/geobatch/pkg/batch"
	"github.com/sgproperty/geobatch/pkg/pipeline/core"
	"github.com/sgproperty/geobatch/pkg/pipeline/io/local"
	"github.com/sgproperty/geobatch/pkg/pipeline/worker"
)

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string
}

// Suggestion is one proposed correction for a failed address.
type Suggestion struct {
	CorrectedAddress string `json:"corrected_address"`
	Reason           string `json:"reason"`
	Confidence       string `json:"confidence"`
}

// Suggester proposes a corrected address for a ledger entry.
type Suggester interface {
	Suggest(ctx context.Context, entry batch.LedgerEntry) (Suggestion, error)
}

// Resolver is a Gemini-backed Suggester.
type Resolver struct {
	client *genai.Client
	model  string
}

func New(ctx context.Context, cfg Config) (*Resolver, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Resolver{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

var suggestionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"corrected_address": {Type: genai.TypeString},
		"reason":            {Type: genai.TypeString},
		"confidence":        {Type: genai.TypeString},
	},
	Required: []string{"corrected_address", "reason", "confidence"},
}

func (r *Resolver) Suggest(ctx context.Context, entry batch.LedgerEntry) (Suggestion, error) {
	address := strings.TrimSpace(entry.RawAddress)
	if address == "" {
		return Suggestion{}, errors.New("empty address")
	}

	resp, err := r.client.Models.GenerateContent(
		ctx,
		r.model,
		genai.Text(buildPrompt(address, entry.FinalError)),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   suggestionSchema,
		},
	)
	if err != nil {
		return Suggestion{}, classifyErr(err)
	}

	var parsed Suggestion
	if err := json.Unmarshal([]byte(resp.Text()), &parsed); err != nil {
		return Suggestion{}, fmt.Errorf("gemini: parse structured json: %w", err)
	}
	parsed.CorrectedAddress = strings.TrimSpace(parsed.CorrectedAddress)
	parsed.Reason = strings.TrimSpace(parsed.Reason)
	parsed.Confidence = strings.TrimSpace(parsed.Confidence)
	return parsed, nil
}

func buildPrompt(address, finalError string) string {
	return strings.TrimSpace(`
You are an address correction tool for Singapore property data. A geocoding
service could not resolve the address below. Propose the most likely correct
form of the address.

Return ONLY a single JSON object with these keys:
- corrected_address (string; the corrected Singapore address, or an empty string if unfixable)
- reason (string; what was likely wrong with the input)
- confidence (string; one of: low, medium, high)

Rules:
- Do not invent unit numbers or postal codes that are not implied by the input.
- Do not include extra keys.

Address: ` + address + `
Geocoder error: ` + finalError + `
`)
}

func classifyErr(err error) error {
	// Wrap transient failures so the worker pool retries with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}

// Run reads the ledger at ledgerPath, asks the suggester for a correction
// per entry, and writes a suggestions CSV to w.
func Run(ctx context.Context, logger *zap.Logger, suggester Suggester, ledgerPath string, w io.Writer, opts worker.Options) error {
	entries, err := batch.ReadLedger(ledgerPath)
	if err != nil {
		return err
	}
	logger.Info("triage start", zap.Int("ledger_entries", len(entries)))
	if len(entries) == 0 {
		return local.WriteRecordsCSV(w, suggestionHeader(), nil)
	}

	opts.FailurePolicy = worker.FailurePolicyPartialOutput
	results, err := worker.ProcessAll(ctx, entries,
		core.ProcessFunc[batch.LedgerEntry, Suggestion](suggester.Suggest), opts)
	if err != nil {
		return err
	}

	records := make([][]string, 0, len(results))
	for _, res := range results {
		rec := []string{
			res.Input.RawAddress,
			res.Input.Fingerprint,
			res.Input.FinalError,
			res.Output.CorrectedAddress,
			res.Output.Reason,
			res.Output.Confidence,
			"",
		}
		if res.Err != nil {
			rec[6] = res.Err.Error()
		}
		records = append(records, rec)
	}
	logger.Info("triage complete", zap.Int("suggestions", len(records)))
	return local.WriteRecordsCSV(w, suggestionHeader(), records)
}

func suggestionHeader() []string {
	return []string{
		"address",
		"fingerprint",
		"original_error",
		"corrected_address",
		"reason",
		"confidence",
		"triage_error",
	}
}
