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

// Package contract holds input validation limits shared by the HTTP
// boundary and the CLI.
//
// Webhook deliveries are size-checked before parsing to keep a
// misbehaving forge from exhausting memory:
//
//	result := contract.ValidatePayload(body)
//	if !result.OK {
//	    http.Error(w, result.Message, http.StatusBadRequest)
//	}
//
// The payload limit defaults to 1 MiB and can be raised via the
// CODECTX_MAX_PAYLOAD_BYTES environment variable:
//
//	export CODECTX_MAX_PAYLOAD_BYTES=4194304  # 4 MiB
//
// QA questions are bounded separately by QuestionMaxBytes.
package contract
