// Package script defines the evaluation capability the channel runtime
// consumes for user-authored filter, transformer, and response logic.
// The engine is agnostic to the language the evaluator executes; it
// only depends on this contract.
package script

import (
	"context"
	"fmt"

	"github.com/meridian-hie/meridian/go/message"
)

// Scope identifies where a script runs within a channel.
type Scope int

const (
	GlobalDeploy Scope = iota + 1
	ChannelDeploy
	SourceFilter
	SourceTransformer
	DestinationFilter
	DestinationTransformer
	Response
)

var scopeNames = map[Scope]string{
	GlobalDeploy:           "GLOBAL_DEPLOY",
	ChannelDeploy:          "CHANNEL_DEPLOY",
	SourceFilter:           "SOURCE_FILTER",
	SourceTransformer:      "SOURCE_TRANSFORMER",
	DestinationFilter:      "DESTINATION_FILTER",
	DestinationTransformer: "DESTINATION_TRANSFORMER",
	Response:               "RESPONSE",
}

func (s Scope) String() string {
	if name, ok := scopeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// Handle is an opaque reference to a compiled script. Handles are owned
// by their channel and released on undeploy.
type Handle interface {
	Scope() Scope
}

// Bindings carries the state visible to an evaluation.
type Bindings struct {
	ChannelID    string
	ChannelName  string
	MessageID    int64
	MetaDataID   int
	Payload      string
	SourceMap    map[string]interface{}
	ChannelMap   map[string]interface{}
	ConnectorMap map[string]interface{}
	ResponseMap  map[string]interface{}
	Responses    map[int]*message.Response // Response scope: terminal responses by metadata ID.
}

// FilterResult is returned by SOURCE_FILTER / DESTINATION_FILTER scripts.
type FilterResult struct {
	Filtered bool
}

// TransformResult is returned by transformer scripts.
type TransformResult struct {
	Transformed       string
	ChannelMapDelta   map[string]interface{}
	ConnectorMapDelta map[string]interface{}
}

// ResponseResult is returned by RESPONSE scripts and selects the reply
// sent back to the source.
type ResponseResult struct {
	Status  message.Status
	Message string
}

// Evaluator compiles and runs scripts. Evaluate returns a *FilterResult,
// *TransformResult, or *ResponseResult matching the handle's scope, and
// nil for deploy/undeploy scopes.
type Evaluator interface {
	Compile(channelID string, scope Scope, source string) (Handle, error)
	Evaluate(ctx context.Context, handle Handle, bindings *Bindings) (interface{}, error)
	Release(handle Handle)
}

// Err wraps an evaluator failure so the pipeline can classify it as a
// script error rather than an engine fault.
type Err struct {
	Scope Scope
	Cause error
}

func (e *Err) Error() string {
	return fmt.Sprintf("script error in %s: %v", e.Scope, e.Cause)
}

func (e *Err) Unwrap() error { return e.Cause }
