package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"glucolog/internal/logging"
	"glucolog/internal/types"
)

const extractionSystemPrompt = `Extract blood sugar reading details from the user's natural language input.
Blood sugar is measured in mg/dL (for US users). Normal values are typically
between 70-100 mg/dL when fasting and less than 140 mg/dL two hours after meals.
Identify: glucose level, date, and whether it was fasting or after meal (prandial).
For dates, parse natural language like "today", "yesterday", "2 days ago" relative
to the current date given in the input, and answer with an ISO date (YYYY-MM-DD).
If any information is missing, set found to false and give a reason.`

const conversationSystemPrompt = `You are a friendly and helpful diabetes management assistant.
Your job is to have natural conversations with users about their blood sugar readings.
Be supportive, empathetic, and provide gentle encouragement. Ask follow-up questions
about their day, diet, exercise, medication, or anything that might affect their
readings. When appropriate, offer simple educational tips about diabetes management.
Never be judgmental about high or low readings.`

// extractionPayload is the JSON shape the model is constrained to emit.
type extractionPayload struct {
	Found        bool   `json:"found"`
	Reason       string `json:"reason"`
	GlucoseLevel int    `json:"glucose_level"`
	Date         string `json:"date"`
	MealStatus   string `json:"meal_status"`
	Notes        string `json:"notes"`
}

// extractionSchema constrains the extraction response to a single object the
// payload struct can decode.
var extractionSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"found":         {Type: genai.TypeBoolean},
		"reason":        {Type: genai.TypeString},
		"glucose_level": {Type: genai.TypeInteger},
		"date":          {Type: genai.TypeString},
		"meal_status":   {Type: genai.TypeString, Enum: []string{"fasting", "prandial"}},
		"notes":         {Type: genai.TypeString},
	},
	Required: []string{"found"},
}

// GeminiAgent implements Agent using the Gemini API.
type GeminiAgent struct {
	client *genai.Client
	model  string
}

// NewGeminiAgent creates an agent backed by the Gemini API.
func NewGeminiAgent(ctx context.Context, apiKey, model string) (*GeminiAgent, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiAgent{client: client, model: model}, nil
}

// Extract asks the model for a structured reading. A model answer that is
// not valid JSON is reported as an error; "no reading present" is a normal
// Result with Found=false.
func (a *GeminiAgent) Extract(ctx context.Context, input string, today time.Time) (Result, error) {
	timer := logging.StartTimer(logging.CategoryExtraction, "Extract")
	defer timer.Stop()

	prompt := fmt.Sprintf("Current date: %s\nUser input: %s", today.Format(types.DateLayout), input)

	resp, err := a.client.Models.GenerateContent(ctx, a.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(extractionSystemPrompt, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			ResponseSchema:    extractionSchema,
		},
	)
	if err != nil {
		return Result{}, fmt.Errorf("Gemini extraction failed: %w", err)
	}

	var payload extractionPayload
	if err := json.Unmarshal([]byte(resp.Text()), &payload); err != nil {
		return Result{}, fmt.Errorf("unparseable extraction response: %w", err)
	}

	if !payload.Found {
		logging.ExtractionDebug("no reading in input: %s", payload.Reason)
		return Result{Reason: payload.Reason}, nil
	}

	status, err := types.ParseMealStatus(payload.MealStatus)
	if err != nil {
		return Result{Reason: err.Error()}, nil
	}

	reading := types.Reading{
		GlucoseLevel: payload.GlucoseLevel,
		Date:         payload.Date,
		MealStatus:   status,
		Notes:        strings.TrimSpace(payload.Notes),
	}
	logging.Extraction("extracted reading: %d mg/dL on %s (%s)",
		reading.GlucoseLevel, reading.Date, reading.MealStatus)
	return Result{Found: true, Reading: reading}, nil
}

// Reply generates a conversational answer, replaying the session transcript
// as alternating user/model turns.
func (a *GeminiAgent) Reply(ctx context.Context, input string, history []types.Message) (string, error) {
	timer := logging.StartTimer(logging.CategoryExtraction, "Reply")
	defer timer.Stop()

	contents := make([]*genai.Content, 0, len(history)+1)
	for _, m := range history {
		var role genai.Role = genai.RoleModel
		if m.FromUser {
			role = genai.RoleUser
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(input, genai.RoleUser))

	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents,
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(conversationSystemPrompt, genai.RoleUser),
		},
	)
	if err != nil {
		return "", fmt.Errorf("Gemini reply failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty model response")
	}
	return text, nil
}
