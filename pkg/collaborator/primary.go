package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const primaryService = "primary_scorer"

// PrimaryScore is the primary model's raw score for one trait on the 0-3 scale.
type PrimaryScore struct {
	Trait string  `json:"trait"`
	Score float64 `json:"score"`
}

// PrimaryScorerClient scores an essay against every trait in a single request.
type PrimaryScorerClient struct {
	transport *transport
}

// NewPrimaryScorerClient builds a client for the configured model scoring endpoint.
func NewPrimaryScorerClient(cfg Config) (*PrimaryScorerClient, error) {
	t, err := newTransport(primaryService, cfg)
	if err != nil {
		return nil, err
	}
	return &PrimaryScorerClient{transport: t}, nil
}

type primaryRequest struct {
	Essay  string  `json:"essay"`
	Traits []Trait `json:"traits"`
}

type primaryResponse struct {
	Scores *[]json.RawMessage `json:"scores"`
}

// Score returns one score per trait the service could rate. Unusable entries are dropped.
func (c *PrimaryScorerClient) Score(ctx context.Context, essay string, traits []Trait) ([]PrimaryScore, error) {
	body, err := json.Marshal(primaryRequest{Essay: essay, Traits: traits})
	if err != nil {
		return nil, &Error{Service: primaryService, Kind: ErrTransport, Err: err}
	}

	payload, err := c.transport.post(ctx, "application/json", body)
	if err != nil {
		return nil, err
	}

	var data primaryResponse
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, &Error{Service: primaryService, Kind: ErrMalformed, Err: err}
	}
	if data.Scores == nil {
		return nil, &Error{Service: primaryService, Kind: ErrMalformed, Err: fmt.Errorf("scores list missing: %s", preview(string(payload), 120))}
	}

	scores := make([]PrimaryScore, 0, len(*data.Scores))
	for _, raw := range *data.Scores {
		score, err := decodePrimaryEntry(raw)
		if err != nil {
			c.transport.logger.Warn().Err(err).Msg("dropping primary score entry")
			continue
		}
		scores = append(scores, score)
	}

	if len(scores) == 0 {
		return nil, &Error{Service: primaryService, Kind: ErrNoScores}
	}

	return scores, nil
}

func decodePrimaryEntry(raw json.RawMessage) (PrimaryScore, error) {
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil || entry == nil {
		return PrimaryScore{}, fmt.Errorf("entry %s is not an object", preview(string(raw), 80))
	}

	rawTrait, ok := entry["trait"]
	if !ok {
		return PrimaryScore{}, fmt.Errorf("trait missing")
	}
	trait := strings.TrimSpace(scalarText(rawTrait))
	if trait == "" {
		return PrimaryScore{}, fmt.Errorf("trait missing")
	}

	rawScore, ok := entry["score"]
	if !ok {
		return PrimaryScore{}, fmt.Errorf("score missing for trait %q", trait)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(scalarText(rawScore)), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return PrimaryScore{}, fmt.Errorf("score %s for trait %q is not numeric", string(rawScore), trait)
	}

	return PrimaryScore{Trait: trait, Score: value}, nil
}

// scalarText renders a JSON string or number as text; other shapes yield "".
func scalarText(raw json.RawMessage) string {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value interface{}
	if err := decoder.Decode(&value); err != nil {
		return ""
	}

	switch v := value.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}
