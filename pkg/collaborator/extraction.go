package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const extractionService = "extraction"

// extractionTextKeys lists the payload keys the extraction service may use, in priority order.
var extractionTextKeys = []string{"extracted_text", "text", "generic_text"}

// ExtractionClient uploads PDFs to the text extraction service.
type ExtractionClient struct {
	transport *transport
}

// NewExtractionClient builds a client for the configured extraction endpoint.
func NewExtractionClient(cfg Config) (*ExtractionClient, error) {
	t, err := newTransport(extractionService, cfg)
	if err != nil {
		return nil, err
	}
	return &ExtractionClient{transport: t}, nil
}

// Extract sends the file at path as multipart form data and returns its plain text.
func (c *ExtractionClient) Extract(ctx context.Context, path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &Error{Service: extractionService, Kind: ErrFileNotFound, Err: fmt.Errorf("%s", path)}
		}
		return "", &Error{Service: extractionService, Kind: ErrFileNotFound, Err: err}
	}

	body, contentType, err := buildUpload(filepath.Base(path), content)
	if err != nil {
		return "", &Error{Service: extractionService, Kind: ErrTransport, Err: err}
	}

	payload, err := c.transport.post(ctx, contentType, body)
	if err != nil {
		return "", err
	}

	text, err := decodeExtractedText(payload)
	if err != nil {
		return "", err
	}

	c.transport.logger.Debug().
		Str("file", filepath.Base(path)).
		Int("text_length", len(text)).
		Msg("text extracted")

	return text, nil
}

func buildUpload(name string, content []byte) ([]byte, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	header.Set("Content-Type", mimetype.Detect(content).String())

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", fmt.Errorf("write form part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

// decodeExtractedText picks the first non-blank text payload. A body carrying none of the known
// keys is malformed; one carrying only blank values is empty.
func decodeExtractedText(payload []byte) (string, error) {
	var data map[string]json.RawMessage
	if err := json.Unmarshal(payload, &data); err != nil || data == nil {
		return "", &Error{Service: extractionService, Kind: ErrMalformed, Err: fmt.Errorf("expected json object: %s", preview(string(payload), 120))}
	}

	found := false
	var badKey string
	for _, key := range extractionTextKeys {
		raw, ok := data[key]
		if !ok {
			continue
		}
		found = true

		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			if badKey == "" {
				badKey = key
			}
			continue
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed, nil
		}
	}

	if !found {
		return "", &Error{Service: extractionService, Kind: ErrMalformed, Err: fmt.Errorf("none of %s present", strings.Join(extractionTextKeys, ", "))}
	}
	if badKey != "" {
		return "", &Error{Service: extractionService, Kind: ErrMalformed, Err: fmt.Errorf("%s is not a string: %s", badKey, preview(string(data[badKey]), 60))}
	}

	return "", &Error{Service: extractionService, Kind: ErrEmptyText}
}
