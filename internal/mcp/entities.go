package mcp

import "sql-proxy/internal/config"

// toolEntry is one endpoint exposed as an MCP tool.
type toolEntry struct {
	Name        string
	Description string
	Endpoint    *config.EndpointConfig
}

// resourceEntry is one endpoint exposed as an MCP resource.
type resourceEntry struct {
	Name        string
	URI         string
	Description string
	Endpoint    *config.EndpointConfig
}

// promptEntry is one endpoint exposed as an MCP prompt.
type promptEntry struct {
	Name        string
	Description string
	Endpoint    *config.EndpointConfig
}

// index builds the tool/resource/prompt tables from the config's endpoint
// list (spec.md §4.8: "tool set derived from EndpointConfig.mcp_tool", same
// for mcp_resource/mcp_prompt).
type index struct {
	tools     []toolEntry
	resources []resourceEntry
	prompts   []promptEntry

	toolByName    map[string]toolEntry
	resourceByURI map[string]resourceEntry
	promptByName  map[string]promptEntry
}

func buildIndex(endpoints []*config.EndpointConfig) *index {
	idx := &index{
		toolByName:    make(map[string]toolEntry),
		resourceByURI: make(map[string]resourceEntry),
		promptByName:  make(map[string]promptEntry),
	}
	for _, ep := range endpoints {
		if ep.MCPTool != nil {
			t := toolEntry{Name: ep.MCPTool.Name, Description: ep.MCPTool.Description, Endpoint: ep}
			idx.tools = append(idx.tools, t)
			idx.toolByName[t.Name] = t
		}
		if ep.MCPResource != nil {
			uri := "resource://" + ep.MCPResource.Name
			r := resourceEntry{Name: ep.MCPResource.Name, URI: uri, Description: ep.MCPResource.Description, Endpoint: ep}
			idx.resources = append(idx.resources, r)
			idx.resourceByURI[uri] = r
		}
		if ep.MCPPrompt != nil {
			p := promptEntry{Name: ep.MCPPrompt.Name, Description: ep.MCPPrompt.Description, Endpoint: ep}
			idx.prompts = append(idx.prompts, p)
			idx.promptByName[p.Name] = p
		}
	}
	return idx
}

// inputSchema builds a minimal JSON Schema object describing ep's request
// fields, for tools/list's declared input shape.
func inputSchema(ep *config.EndpointConfig) map[string]any {
	properties := make(map[string]any, len(ep.RequestFields))
	var required []string
	for _, f := range ep.RequestFields {
		properties[f.Name] = map[string]any{
			"type":        jsonSchemaType(f),
			"description": f.Description,
		}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func jsonSchemaType(f config.RequestField) string {
	for _, v := range f.Validators {
		switch v.Kind() {
		case "int":
			return "integer"
		case "float":
			return "number"
		case "date", "time":
			return "string"
		}
	}
	return "string"
}
