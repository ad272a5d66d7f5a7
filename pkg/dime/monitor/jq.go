package monitor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
)

// FilterFunc rewrites or drops an event before it is printed. It returns
// false to drop the event.
type FilterFunc func(topic string, data any) (any, bool)

// JqFilter compiles a jq query into a FilterFunc. The query sees the event
// data as its input and the topic as $topic. No output drops the event;
// several outputs are collected into an array. On a runtime error the event
// passes through unchanged.
//
//	f, err := JqFilter(`select(.key != 0) | {topic: $topic, key}`, logger)
func JqFilter(jqQuery string, logger *zap.Logger) (FilterFunc, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$topic"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(topic string, data any) (any, bool) {
		input, err := normalize(data)
		if err != nil {
			logger.Error("JQ filter: failed to convert event data",
				zap.String("jq_query", jqQuery),
				zap.String("topic", topic),
				zap.Error(err))
			return data, true
		}

		iter := code.RunWithContext(context.Background(), input, topic)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("JQ filter: execution error",
					zap.String("jq_query", jqQuery),
					zap.String("topic", topic),
					zap.Error(execErr))
				return data, true
			}
			results = append(results, result)
		}

		switch len(results) {
		case 0:
			return nil, false
		case 1:
			return results[0], true
		default:
			return results, true
		}
	}, nil
}

// normalize turns data into the plain maps, slices and scalars gojq works
// on. Values decoded from JSON already are; anything else goes through a
// JSON round trip.
func normalize(data any) (any, error) {
	switch v := data.(type) {
	case nil, bool, float64, string, map[string]any, []any:
		return data, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return string(v), nil
		}
		return out, nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
