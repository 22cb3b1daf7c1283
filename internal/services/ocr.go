package services

import (
	"context"
	"encoding/json"
	"fmt"
)

// OCR modes understood by the worker.
const (
	OCRModeSystem = "system"
	OCRModePaddle = "paddle"
)

// OCROptions tunes a recognition.
type OCROptions struct {
	// Mode selects the recognizer. Default "system".
	Mode     string
	Language string
}

// Recognition is the text found in an image.
type Recognition struct {
	Text   string
	Result json.RawMessage
}

// OCR talks to the text recognition worker.
type OCR struct {
	caller Caller
}

// NewOCR creates an OCR service.
func NewOCR(caller Caller) *OCR {
	return &OCR{caller: caller}
}

// Recognize extracts the text of the image at imagePath.
func (o *OCR) Recognize(ctx context.Context, imagePath string, opts OCROptions) (Recognition, error) {
	if imagePath == "" {
		return Recognition{}, fmt.Errorf("recognize: image path is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = OCRModeSystem
	}

	raw, err := o.caller.Call(ctx, MethodOCR, map[string]string{
		"image_path": imagePath,
		"mode":       mode,
		"language":   opts.Language,
	})
	if err != nil {
		return Recognition{}, fmt.Errorf("recognize: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return Recognition{}, fmt.Errorf("decoding recognition: %w", err)
		}
	}
	return Recognition{Text: result.Text, Result: raw}, nil
}
