// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"
)

// Rate-limit retry policy: only quota/rate-limit signals are retried,
// with exponential backoff base 10s, factor 2, up to 3 retries. Other
// errors surface immediately.
const (
	retryBaseDelay  = 10 * time.Second
	retryFactor     = 2
	retryMaxRetries = 3
)

// isRateLimitError classifies a provider error as a rate-limit/quota
// signal: HTTP 403/429 or the words "rate limit"/"quota" in the message.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "rate-limit", "quota", "status 429", "status 403"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// withRateLimitRetry runs fn, retrying only on rate-limit signals. After
// the final retry it fails with ErrRateLimited wrapping the last error.
func withRateLimitRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	delay := retryBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRateLimitError(err) {
			return err
		}
		if attempt == retryMaxRetries {
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		logger.Warn("embedding.rate_limited.retry",
			"op", op,
			"attempt", attempt+1,
			"sleep_s", delay.Seconds(),
			"err", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= retryFactor
	}
}
