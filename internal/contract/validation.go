// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package contract

import (
	"os"
	"strconv"
)

const (
	// DefaultMaxPayloadBytes is the baseline limit for webhook payloads.
	DefaultMaxPayloadBytes = 1 << 20 // 1 MiB

	// QuestionMaxBytes is the maximum length for a QA question.
	QuestionMaxBytes = 16 << 10 // 16 KiB
)

// MaxPayloadBytes returns the effective webhook payload limit.
// Controlled via env CODECTX_MAX_PAYLOAD_BYTES; falls back to
// DefaultMaxPayloadBytes.
func MaxPayloadBytes() int {
	if v := os.Getenv("CODECTX_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxPayloadBytes
}

// ValidationResult represents the result of a validation check.
type ValidationResult struct {
	OK      bool
	Message string
}

// ValidatePayload checks a webhook delivery body against the size limit.
func ValidatePayload(body []byte) *ValidationResult {
	if len(body) == 0 {
		return &ValidationResult{OK: false, Message: "payload is empty"}
	}
	if len(body) > MaxPayloadBytes() {
		return &ValidationResult{OK: false, Message: "payload exceeds size limit"}
	}
	return &ValidationResult{OK: true}
}

// ValidateQuestion checks a QA question for emptiness and size.
func ValidateQuestion(question string) *ValidationResult {
	if question == "" {
		return &ValidationResult{OK: false, Message: "question is empty"}
	}
	if len(question) > QuestionMaxBytes {
		return &ValidationResult{OK: false, Message: "question exceeds size limit"}
	}
	return &ValidationResult{OK: true}
}
