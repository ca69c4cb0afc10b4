// Package execctx implements the per-execution variable and step-output
// store, and the restricted condition grammar steps use to gate dispatch.
package execctx

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Context is the thread-safe store backing one execution: initial
// variables, and each step's output once it completes. One read-write mutex
// guards the whole store: concurrent reads proceed in parallel, and each
// write is serialized against all other reads and writes, whatever the key.
type Context struct {
	mu        sync.RWMutex
	variables map[string]interface{}
	outputs   map[string]map[string]interface{}
}

// New builds a Context seeded with the workflow's initial variables.
func New(variables map[string]interface{}) *Context {
	c := &Context{
		variables: make(map[string]interface{}, len(variables)),
		outputs:   make(map[string]map[string]interface{}),
	}
	for k, v := range variables {
		c.variables[k] = v
	}
	return c
}

// GetVariable returns the named variable and whether it was set.
func (c *Context) GetVariable(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable sets a variable visible to every step started afterward.
func (c *Context) SetVariable(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// GetStepOutput returns the full output map a step produced, or false if the
// step has no recorded output yet.
func (c *Context) GetStepOutput(stepID string) (map[string]interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out, ok := c.outputs[stepID]
	return out, ok
}

// GetStepOutputField looks up a single field of a step's output by a
// gjson-style dotted path, supporting nested access beyond a flat map.
func (c *Context) GetStepOutputField(stepID, field string) (interface{}, bool) {
	c.mu.RLock()
	out, ok := c.outputs[stepID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	raw, err := sjson.Set("{}", "v", out)
	if err != nil {
		return nil, false
	}
	res := gjson.Get(raw, "v."+field)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// SetStepOutput records the full output map produced by a step's attempt.
func (c *Context) SetStepOutput(stepID string, output map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stepID] = output
}
