package config

import "sql-proxy/internal/slug"

// computeSlug derives an endpoint's canonical identifier (spec.md §4.2).
func computeSlug(e *EndpointConfig) string {
	if e.MCPName != "" {
		return slug.FromMCPName(e.MCPName)
	}
	return slug.FromPath(e.Path)
}

// EndpointBySlug finds the endpoint whose slug matches s, or nil.
func (c *Config) EndpointBySlug(s string) *EndpointConfig {
	for _, e := range c.Endpoints {
		if e.Slug() == s {
			return e
		}
	}
	return nil
}

// EndpointByPath finds the endpoint declared with the given literal path
// (legacy lookup alongside slug-based lookup; spec.md §4.2).
func (c *Config) EndpointByPath(path string) *EndpointConfig {
	for _, e := range c.Endpoints {
		if e.Path == path {
			return e
		}
	}
	return nil
}
