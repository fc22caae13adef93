// Package tools provides the built-in tool set registered with the
// agent's tool registry. Argument schemas are generated from the arg
// structs, so the advertised JSON Schema and the decoded type cannot
// drift apart.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/osa-agent/osa/internal/agent"
	"github.com/osa-agent/osa/internal/memory"
)

// schemaFor reflects an argument struct into a self-contained object
// schema suitable for both provider advertisement and dispatch-time
// validation.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return raw
}

// Options selects which built-ins register and where they operate.
type Options struct {
	// Root confines filesystem tools. Empty disables them.
	Root string
	// Memory enables remember/memory_recall. Nil disables them.
	Memory *memory.Store
	// ShellEnabled gates the shell tool (sandbox_enabled in config).
	ShellEnabled bool
}

// RegisterBuiltins installs the built-in tools on the registry.
func RegisterBuiltins(reg *agent.ToolRegistry, opts Options) error {
	var list []agent.Tool
	if opts.Root != "" {
		list = append(list, NewDirList(opts.Root), NewFileRead(opts.Root), NewFileWrite(opts.Root))
	}
	if opts.ShellEnabled {
		list = append(list, NewShell())
	}
	if opts.Memory != nil {
		list = append(list, NewRemember(opts.Memory), NewRecall(opts.Memory))
	}
	for _, tool := range list {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}
	return nil
}
