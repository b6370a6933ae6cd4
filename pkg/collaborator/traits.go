package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const traitService = "trait_parser"

// Trait is a single scoring dimension derived from a rubric.
type Trait struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TraitParserClient asks the trait parsing service to split rubric text into traits.
type TraitParserClient struct {
	transport *transport
}

// NewTraitParserClient builds a client for the configured trait parsing endpoint.
func NewTraitParserClient(cfg Config) (*TraitParserClient, error) {
	t, err := newTransport(traitService, cfg)
	if err != nil {
		return nil, err
	}
	return &TraitParserClient{transport: t}, nil
}

// Parse posts the rubric text and returns the traits in the order the service listed them.
func (c *TraitParserClient) Parse(ctx context.Context, rubricText string) ([]Trait, error) {
	body, err := json.Marshal(map[string]string{"rubricText": rubricText})
	if err != nil {
		return nil, &Error{Service: traitService, Kind: ErrTransport, Err: err}
	}

	payload, err := c.transport.post(ctx, "application/json", body)
	if err != nil {
		return nil, err
	}

	traits, err := decodeTraits(payload)
	if err != nil {
		return nil, err
	}

	c.transport.logger.Debug().Int("traits", len(traits)).Msg("rubric traits parsed")
	return traits, nil
}

// decodeTraits walks the object token by token so the rubric's trait order survives decoding.
func decodeTraits(payload []byte) ([]Trait, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	start, err := decoder.Token()
	if err != nil {
		return nil, &Error{Service: traitService, Kind: ErrMalformed, Err: err}
	}
	if delim, ok := start.(json.Delim); !ok || delim != '{' {
		return nil, &Error{Service: traitService, Kind: ErrMalformed, Err: fmt.Errorf("expected json object: %s", preview(string(payload), 120))}
	}

	traits := make([]Trait, 0)
	seen := make(map[string]struct{})
	for decoder.More() {
		keyToken, err := decoder.Token()
		if err != nil {
			return nil, &Error{Service: traitService, Kind: ErrMalformed, Err: err}
		}
		key, _ := keyToken.(string)

		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			return nil, &Error{Service: traitService, Kind: ErrMalformed, Err: err}
		}

		name := strings.TrimSpace(key)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		traits = append(traits, Trait{Name: name, Definition: strings.TrimSpace(definitionText(raw))})
	}

	if len(traits) == 0 {
		return nil, &Error{Service: traitService, Kind: ErrNoTraits}
	}

	return traits, nil
}

func definitionText(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	if string(raw) == "null" {
		return ""
	}

	compact := &bytes.Buffer{}
	if err := json.Compact(compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
