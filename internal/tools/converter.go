package tools

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// Converter translates single tool calls and results using a Table.
// Every converted call remembers its originating mapping under the call id,
// so results are mapped back exactly instead of by name guessing.
type Converter struct {
	table   *Table
	origins map[string]*Mapping
	mu      sync.Mutex
}

// NewConverter creates a converter over table.
func NewConverter(table *Table) *Converter {
	return &Converter{
		table:   table,
		origins: make(map[string]*Mapping),
	}
}

// Table returns the underlying mapping table.
func (c *Converter) Table() *Table {
	return c.table
}

// ConvertToExternalToInternal turns an external call into an internal one.
// An unmapped name returns ok=false and no call.
func (c *Converter) ConvertToExternalToInternal(call models.ExternalToolCall) (models.InternalToolCall, bool) {
	mapping, ok := c.table.ByExternal(call.Name)
	if !ok {
		log.Debug().Str("tool", call.Name).Msg("Unsupported external tool")
		return models.InternalToolCall{}, false
	}

	input := call.Input
	if input == nil {
		input = map[string]interface{}{}
	}
	if mapping.TransformInput != nil {
		input = mapping.TransformInput(input)
	} else {
		input = copyInput(input)
	}

	id := call.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}

	c.mu.Lock()
	c.origins[id] = mapping
	c.mu.Unlock()

	return models.InternalToolCall{
		Name:  mapping.InternalName,
		Input: input,
		ID:    id,
	}, true
}

// ToInternal is ConvertToExternalToInternal returning a NOT_FOUND error for
// unmapped names.
func (c *Converter) ToInternal(call models.ExternalToolCall) (models.InternalToolCall, error) {
	internal, ok := c.ConvertToExternalToInternal(call)
	if !ok {
		return models.InternalToolCall{}, apperrors.NotFound("unsupported tool: %s", call.Name)
	}
	return internal, nil
}

// ConvertInternalResultToExternal builds the external envelope for result.
// internalName is the tool the call was dispatched to; it is only consulted
// when the call id has no recorded origin.
func (c *Converter) ConvertInternalResultToExternal(result models.ToolResult, internalName string) models.ExternalToolResult {
	c.mu.Lock()
	mapping, ok := c.origins[result.CallID]
	delete(c.origins, result.CallID)
	c.mu.Unlock()

	if !ok && internalName != "" {
		mapping, ok = c.table.ByInternal(internalName)
	}

	envelope := map[string]interface{}{
		"type":    models.ToolResultKind,
		"callId":  result.CallID,
		"content": result.Content,
		"isError": result.IsError,
	}
	if ok {
		envelope["tool"] = mapping.ExternalName
		if mapping.TransformOutput != nil {
			envelope = mapping.TransformOutput(envelope)
		}
	}
	return models.ExternalToolResult(envelope)
}

// Forget drops the recorded origin of callID.
func (c *Converter) Forget(callID string) {
	c.mu.Lock()
	delete(c.origins, callID)
	c.mu.Unlock()
}

// PendingOrigins returns the number of calls converted but not yet answered.
func (c *Converter) PendingOrigins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.origins)
}

func copyInput(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
