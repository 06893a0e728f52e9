package script

import "context"

// NopEvaluator is the evaluator used when no script engine is plugged
// in: filters pass, transformers are the identity, and the response
// script selects nothing.
type NopEvaluator struct{}

type nopHandle struct{ scope Scope }

func (h nopHandle) Scope() Scope { return h.scope }

func (NopEvaluator) Compile(channelID string, scope Scope, source string) (Handle, error) {
	return nopHandle{scope: scope}, nil
}

func (NopEvaluator) Evaluate(ctx context.Context, handle Handle, bindings *Bindings) (interface{}, error) {
	switch handle.Scope() {
	case SourceFilter, DestinationFilter:
		return &FilterResult{Filtered: false}, nil
	case SourceTransformer, DestinationTransformer:
		return &TransformResult{Transformed: bindings.Payload}, nil
	case Response:
		return nil, nil
	default:
		return nil, nil
	}
}

func (NopEvaluator) Release(handle Handle) {}
