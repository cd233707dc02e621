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
	"context"
	"io"
	"sync"
)

// warnings is a small concurrency-safe warning collector shared by the
// iterator implementations.
type warnings struct {
	mu   sync.Mutex
	list []string
}

func (w *warnings) add(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.list = append(w.list, msg)
}

func (w *warnings) all() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.list))
	copy(out, w.list)
	return out
}

// funcIterator adapts a pull function into a DocumentIterator. The pull
// function returns io.EOF when drained.
type funcIterator struct {
	pull    func(ctx context.Context) (*ParsedDocument, error)
	close   func() error
	warn    *warnings
	closed  bool
	drained bool
}

func newFuncIterator(pull func(ctx context.Context) (*ParsedDocument, error), closeFn func() error, warn *warnings) *funcIterator {
	if warn == nil {
		warn = &warnings{}
	}
	return &funcIterator{pull: pull, close: closeFn, warn: warn}
}

func (it *funcIterator) Next(ctx context.Context) (*ParsedDocument, error) {
	if it.drained || it.closed {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := it.pull(ctx)
	if err == io.EOF {
		it.drained = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (it *funcIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	if it.close != nil {
		return it.close()
	}
	return nil
}

func (it *funcIterator) Warnings() []string {
	return it.warn.all()
}

// sliceIterator yields pre-built documents. Used by parsers whose format
// requires a full parse before splitting (HTML trees, front-matter).
type sliceIterator struct {
	docs []*ParsedDocument
	pos  int
	warn *warnings
}

func newSliceIterator(docs []*ParsedDocument, warn *warnings) *sliceIterator {
	if warn == nil {
		warn = &warnings{}
	}
	return &sliceIterator{docs: docs, warn: warn}
}

func (it *sliceIterator) Next(ctx context.Context) (*ParsedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.pos >= len(it.docs) {
		return nil, io.EOF
	}
	doc := it.docs[it.pos]
	it.pos++
	return doc, nil
}

func (it *sliceIterator) Close() error {
	return nil
}

func (it *sliceIterator) Warnings() []string {
	return it.warn.all()
}

// Drain collects all documents from an iterator. Intended for tests and
// small inputs; production paths consume iterators incrementally.
func Drain(ctx context.Context, it DocumentIterator) ([]*ParsedDocument, error) {
	defer it.Close()

	var docs []*ParsedDocument
	for {
		doc, err := it.Next(ctx)
		if err == io.EOF {
			return docs, nil
		}
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
}
