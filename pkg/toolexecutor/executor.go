package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/toolrelay/internal/observability"
	"github.com/harun/toolrelay/internal/tracing"
	"github.com/harun/toolrelay/pkg/catalog"
	"github.com/harun/toolrelay/pkg/protocol"
)

const (
	tracerName = "toolrelay/toolexecutor"

	DefaultTimeout        = 30 * time.Second
	DefaultMaxResultBytes = 1 << 20
)

// ToolPolicy narrows which registered tools a worker will run, on top of
// session capabilities.
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny" mapstructure:"deny"`   // List of denied tools (overrides allow)
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil || (len(tp.Allow) == 0 && len(tp.Deny) == 0) {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	if len(tp.Allow) == 0 {
		return true
	}
	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}
	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ToolDefinition defines a tool's metadata and handler. InputSchema, when
// set, is used as is; otherwise a closed object schema is built from
// Parameters.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Capability  string                 `json:"capability,omitempty"`
	Parameters  []ToolParameter        `json:"parameters,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Handler     ToolHandler            `json:"-"`
}

func (d ToolDefinition) capability() string {
	if c := protocol.NormalizeCapability(d.Capability); c != "" {
		return c
	}
	return protocol.DefaultCapability
}

// ToolHandler is the function signature for tool execution
type ToolHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

type registeredTool struct {
	def        ToolDefinition
	schema     *gojsonschema.Schema
	schemaJSON map[string]interface{}
}

// ToolExecutor is the execution dispatcher: a registry of tools plus the
// routing, gating and error normalization around a single call.
type ToolExecutor struct {
	mu             sync.RWMutex
	tools          map[string]*registeredTool
	policy         *ToolPolicy
	timeout        time.Duration
	maxResultBytes int
	now            func() time.Time
}

// New creates a new ToolExecutor
func New() *ToolExecutor {
	te := &ToolExecutor{
		tools:          make(map[string]*registeredTool),
		timeout:        DefaultTimeout,
		maxResultBytes: DefaultMaxResultBytes,
		now:            time.Now,
	}

	log.Debug().Msg("Tool executor initialized")

	return te
}

// SetTimeout changes the per-call execution ceiling.
func (te *ToolExecutor) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	te.mu.Lock()
	defer te.mu.Unlock()
	te.timeout = timeout
}

// SetPolicy installs a worker-level allow/deny list.
func (te *ToolExecutor) SetPolicy(policy *ToolPolicy) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.policy = policy
}

// SetMaxResultBytes bounds the encoded size of a handler result.
func (te *ToolExecutor) SetMaxResultBytes(n int) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.maxResultBytes = n
}

// RegisterTool registers a new tool
func (te *ToolExecutor) RegisterTool(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schemaMap := def.InputSchema
	if schemaMap == nil {
		schemaMap = generateSchemaMap(def)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if _, exists := te.tools[def.Name]; exists {
		return fmt.Errorf("tool %s is already registered", def.Name)
	}
	te.tools[def.Name] = &registeredTool{def: def, schema: schema, schemaJSON: schemaMap}

	log.Debug().Str("tool", def.Name).Str("capability", def.capability()).Msg("Tool registered")

	return nil
}

// UnregisterTool removes a tool
func (te *ToolExecutor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()
	delete(te.tools, name)
}

// GetTool returns a tool definition by name
func (te *ToolExecutor) GetTool(name string) *ToolDefinition {
	te.mu.RLock()
	defer te.mu.RUnlock()

	tool := te.tools[name]
	if tool == nil {
		return nil
	}
	def := tool.def
	return &def
}

// ListTools returns all registered tool names, sorted.
func (te *ToolExecutor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Manifest describes every registered tool as catalog entries.
func (te *ToolExecutor) Manifest() catalog.Manifest {
	te.mu.RLock()
	defer te.mu.RUnlock()

	m := catalog.Manifest{APIVersion: catalog.DefaultAPIVersion}
	for _, name := range te.sortedNamesLocked() {
		tool := te.tools[name]
		m.Tools = append(m.Tools, catalog.Tool{
			Name:        tool.def.Name,
			Description: tool.def.Description,
			Capability:  tool.def.capability(),
			InputSchema: tool.schemaJSON,
		})
	}
	return m
}

func (te *ToolExecutor) sortedNamesLocked() []string {
	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs toolName with args under the capability set caps.
//
// Failures are ErrToolNotFound, ErrToolNotPermitted, ErrValidation,
// ErrExecutionTimeout, or ErrExecution wrapping what the handler returned or
// panicked with. The handler keeps running after a timeout until it honours
// its context; its result is then discarded.
func (te *ToolExecutor) Execute(ctx context.Context, toolName string, args protocol.Value, caps protocol.CapabilitySet) (protocol.Value, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.execute",
		attribute.String("tool.name", toolName),
	)
	defer span.End()

	startTime := time.Now()
	result, err := te.execute(ctx, toolName, args, caps)
	duration := time.Since(startTime)

	kind := ""
	if err != nil {
		kind = string(protocol.KindOf(err))
		span.SetStatus(codes.Error, err.Error())
		log.Warn().
			Str("tool", toolName).
			Str("kind", kind).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
	} else {
		log.Debug().
			Str("tool", toolName).
			Dur("duration", duration).
			Msg("Tool execution completed")
	}
	observability.RecordToolExecution(toolName, duration, kind)

	return result, err
}

func (te *ToolExecutor) execute(ctx context.Context, toolName string, args protocol.Value, caps protocol.CapabilitySet) (protocol.Value, error) {
	te.mu.RLock()
	tool := te.tools[toolName]
	policy := te.policy
	timeout := te.timeout
	maxResult := te.maxResultBytes
	te.mu.RUnlock()

	if tool == nil {
		return protocol.Value{}, fmt.Errorf("%w: %s", protocol.ErrToolNotFound, toolName)
	}
	if !caps.Has(tool.def.capability()) {
		return protocol.Value{}, fmt.Errorf("%w: %s requires capability %s", protocol.ErrToolNotPermitted, toolName, tool.def.capability())
	}
	if !policy.IsToolAllowed(toolName) {
		return protocol.Value{}, fmt.Errorf("%w: %s is blocked by worker policy", protocol.ErrToolNotPermitted, toolName)
	}

	params, err := args.Object()
	if err != nil {
		return protocol.Value{}, err
	}
	if err := validateParameters(tool.schema, params); err != nil {
		return protocol.Value{}, fmt.Errorf("%w: %v", protocol.ErrValidation, err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("tool", toolName).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Tool handler panicked")
				errChan <- fmt.Errorf("%w: handler panicked: %v", protocol.ErrExecution, r)
			}
		}()
		result, err := tool.def.Handler(timeoutCtx, params)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- result
		}
	}()

	select {
	case result := <-resultChan:
		return encodeResult(result, maxResult)

	case err := <-errChan:
		return protocol.Value{}, classifyHandlerError(err)

	case <-timeoutCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return protocol.Value{}, fmt.Errorf("%w: cancelled: %v", protocol.ErrExecution, ctx.Err())
		}
		return protocol.Value{}, fmt.Errorf("%w after %v", protocol.ErrExecutionTimeout, timeout)
	}
}

// Respond executes req and folds the outcome into a ToolResponse.
func (te *ToolExecutor) Respond(ctx context.Context, req protocol.ToolRequest, caps protocol.CapabilitySet) protocol.ToolResponse {
	ctx = ContextWithExecContext(ctx, &ExecutionContext{
		SessionCode:  req.SessionCode,
		RequestID:    req.ID,
		Capabilities: caps,
	})
	result, err := te.Execute(ctx, req.Tool, req.Args, caps)
	if err != nil {
		return protocol.NewErrorResponse(req, err, te.now().UTC())
	}
	return protocol.NewResultResponse(req, result, te.now().UTC())
}

// classifyHandlerError keeps protocol errors a handler chose deliberately and
// files everything else under ExecutionError.
func classifyHandlerError(err error) error {
	switch protocol.KindOf(err) {
	case protocol.KindInternal:
		return fmt.Errorf("%w: %v", protocol.ErrExecution, err)
	default:
		return err
	}
}

func encodeResult(result interface{}, maxBytes int) (protocol.Value, error) {
	if v, ok := result.(protocol.Value); ok {
		result = v.Raw()
	}
	value, err := protocol.NewValue(result)
	if err != nil {
		return protocol.Value{}, fmt.Errorf("%w: result is not JSON-encodable: %v", protocol.ErrExecution, err)
	}
	if maxBytes > 0 && len(value.Raw()) > maxBytes {
		return protocol.Value{}, fmt.Errorf("%w: result of %d bytes exceeds limit of %d", protocol.ErrExecution, len(value.Raw()), maxBytes)
	}
	return value, nil
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}

	return nil
}

// generateSchemaMap builds a JSON Schema from tool parameters
func generateSchemaMap(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type": param.Type,
		}
		if param.Description != "" {
			paramSchema["description"] = param.Description
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid arguments: %s", strings.Join(problems, "; "))
	}

	return nil
}
