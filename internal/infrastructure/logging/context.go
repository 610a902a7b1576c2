package logging

import (
	"context"

	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

// Keys the adapters derive from the logger and the context instead of the
// call site.
const (
	KeyLayer           = "layer"
	KeyCorrelationID   = "correlation_id"
	KeyPlanExecutionID = "plan_execution_id"
	KeyRuntimeID       = "runtime_id"
	KeyQueueKey        = "queue_key"
)

type keyValue struct {
	key   string
	value interface{}
}

// entryFields orders the fields of one entry: persistent fields, then call
// fields, then what ctx knows about the work in progress. A repeated key keeps
// its first position and its last value. Context fields only fill keys the
// caller left unset, and empty ones are omitted.
func entryFields(ctx context.Context, layer string, persistent, call []interface{}) []keyValue {
	out := make([]keyValue, 0, (len(persistent)+len(call))/2+5)
	index := make(map[string]int, cap(out))
	set := func(key string, value interface{}) {
		if i, ok := index[key]; ok {
			out[i].value = value
			return
		}
		index[key] = len(out)
		out = append(out, keyValue{key: key, value: value})
	}

	for _, kv := range pairs(persistent) {
		set(kv.key, kv.value)
	}
	for _, kv := range pairs(call) {
		set(kv.key, kv.value)
	}

	scope := ports.ExecutionScopeFrom(ctx)
	derived := [...]keyValue{
		{KeyLayer, layer},
		{KeyCorrelationID, ports.GetCorrelationID(ctx)},
		{KeyPlanExecutionID, scope.PlanExecutionID},
		{KeyRuntimeID, scope.RuntimeID},
		{KeyQueueKey, scope.QueueKey},
	}
	for _, kv := range derived {
		if _, explicit := index[kv.key]; explicit || kv.value == "" {
			continue
		}
		set(kv.key, kv.value)
	}
	return out
}

// pairs reads a flat key/value list, skipping entries whose key is not a
// non-empty string.
func pairs(flat []interface{}) []keyValue {
	out := make([]keyValue, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		key, ok := flat[i].(string)
		if !ok || key == "" {
			continue
		}
		out = append(out, keyValue{key: key, value: flat[i+1]})
	}
	return out
}

func flatten(kvs []keyValue) []interface{} {
	out := make([]interface{}, 0, len(kvs)*2)
	for _, kv := range kvs {
		out = append(out, kv.key, kv.value)
	}
	return out
}
