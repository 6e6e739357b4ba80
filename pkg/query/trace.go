package query

import (
	"slices"
	"sync"
)

type TraceEventKind string

const (
	TraceEventConsideredSourceIDs TraceEventKind = "considered_source_ids"
	TraceEventUsedSourceIDs       TraceEventKind = "used_source_ids"
	TraceEventQueriedEntityIDs    TraceEventKind = "queried_entity_ids"
	TraceEventQueriedCommunityIDs TraceEventKind = "queried_community_ids"
)

// TraceEvent is an extensible event envelope for query tracing.
type TraceEvent struct {
	Kind TraceEventKind
	IDs  []string
}

// Tracer is a sink for query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom post-processing
// pipelines.
type Tracer interface {
	Record(event TraceEvent)
}

// MultiTracer fan-outs trace events to multiple tracers.
type MultiTracer []Tracer

func (m MultiTracer) Record(event TraceEvent) {
	for _, t := range m {
		if t == nil {
			continue
		}
		t.Record(event)
	}
}

func record(t Tracer, kind TraceEventKind, ids []string) {
	if t == nil || len(ids) == 0 {
		return
	}
	t.Record(TraceEvent{Kind: kind, IDs: ids})
}

// QueryTrace collects which sources, entities and communities a query
// considered and which sources ended up in the prompt.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu  sync.Mutex
	ids map[TraceEventKind]map[string]struct{}
}

type QueryTraceSnapshot struct {
	ConsideredSourceIDs []string `json:"considered_source_ids"`
	UsedSourceIDs       []string `json:"used_source_ids"`
	QueriedEntityIDs    []string `json:"queried_entity_ids"`
	QueriedCommunityIDs []string `json:"queried_community_ids"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{ids: make(map[TraceEventKind]map[string]struct{})}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.ids[event.Kind]
	if !ok {
		set = make(map[string]struct{})
		t.ids[event.Kind] = set
	}
	for _, id := range event.IDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
}

func (t *QueryTrace) sorted(kind TraceEventKind) []string {
	out := make([]string, 0, len(t.ids[kind]))
	for id := range t.ids[kind] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	return QueryTraceSnapshot{
		ConsideredSourceIDs: t.sorted(TraceEventConsideredSourceIDs),
		UsedSourceIDs:       t.sorted(TraceEventUsedSourceIDs),
		QueriedEntityIDs:    t.sorted(TraceEventQueriedEntityIDs),
		QueriedCommunityIDs: t.sorted(TraceEventQueriedCommunityIDs),
	}
}
