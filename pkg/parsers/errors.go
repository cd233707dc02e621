// Copyright 2025 The Analyst Copilot Authors
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

package parsers

import (
	"fmt"
	"os"
)

// UnsupportedSourceTypeError is returned when no parser matches.
type UnsupportedSourceTypeError struct {
	SourceType SourceType
}

func (e *UnsupportedSourceTypeError) Error() string {
	return fmt.Sprintf("unsupported source type: %s", e.SourceType)
}

// XMLSecurityError is returned when XML input references a DTD or entity.
// Always fatal for the job.
type XMLSecurityError struct {
	Reason string
}

func (e *XMLSecurityError) Error() string {
	return fmt.Sprintf("xml security violation: %s", e.Reason)
}

// PathTraversalError is returned when an archive entry resolves outside the
// extraction root. Always fatal for the job.
type PathTraversalError struct {
	Entry string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path traversal attempt in archive entry: %s", e.Entry)
}

// osOpen is indirected for tests.
var osOpen = func(path string) (*os.File, error) {
	return os.Open(path)
}
