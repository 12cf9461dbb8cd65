// Copyright 2025 Tom Barlow
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

package observability

import "context"

// NewNoopProvider returns a TracerProvider whose spans are discarded,
// used when tracing is disabled in configuration so callers never
// need a nil check before starting a span.
func NewNoopProvider() TracerProvider {
	return noopProvider{}
}

type noopProvider struct{}

func (noopProvider) Tracer(string) Tracer            { return noopTracer{} }
func (noopProvider) Shutdown(context.Context) error   { return nil }
func (noopProvider) ForceFlush(context.Context) error { return nil }

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string, _ ...SpanOption) (context.Context, SpanHandle) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(...SpanEndOption)           {}
func (noopSpan) SetStatus(StatusCode, string)   {}
func (noopSpan) SetAttributes(map[string]any)   {}
func (noopSpan) AddEvent(string, map[string]any) {}
func (noopSpan) SpanContext() TraceContext      { return TraceContext{} }
func (noopSpan) RecordError(error)              {}
