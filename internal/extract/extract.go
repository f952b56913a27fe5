// Copyright (c) 2026 The Claimsflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extract is the seam between ingestion and document
// extraction. Ingestion hands over attachment bytes and records the
// item count; the real extraction service lives behind this interface.
package extract

import (
	"context"
	"strings"
)

// Extractor turns one attachment into zero or more claim items.
type Extractor interface {
	Extract(ctx context.Context, data []byte, contentType string) (int, error)
}

// Passthrough counts one item per document-bearing attachment and
// ignores everything else. It stands in until an extraction backend is
// wired to the queue.
type Passthrough struct{}

var documentTypes = []string{
	"application/pdf",
	"application/vnd.ms-excel",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"text/csv",
	"text/xml",
	"application/xml",
}

func (Passthrough) Extract(_ context.Context, data []byte, contentType string) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	for _, t := range documentTypes {
		if strings.HasPrefix(contentType, t) {
			return 1, nil
		}
	}
	return 0, nil
}
