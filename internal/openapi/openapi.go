package openapi

import (
	"strconv"

	"sql-proxy/internal/config"
)

// Spec generates an OpenAPI 3.0 specification from the config
func Spec(cfg *config.Config) map[string]any {
	// Use configured API version, default to "1.0.0" if not set
	apiVersion := cfg.Server.APIVersion
	if apiVersion == "" {
		apiVersion = "1.0.0"
	}

	spec := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       "SQL Proxy API",
			"description": "Auto-generated API for workflow endpoints (SQL Server, SQLite)",
			"version":     apiVersion,
		},
		"servers": []map[string]any{
			{"url": "/", "description": "Current server"},
		},
		"paths":      buildPaths(cfg),
		"components": buildComponents(),
	}

	return spec
}

func buildPaths(cfg *config.Config) map[string]any {
	paths := make(map[string]any)

	// Add built-in endpoints (/_/ prefix is reserved for internal endpoints)
	paths["/_/health"] = map[string]any{
		"get": map[string]any{
			"summary":     "Health check",
			"description": "Returns service and database health status. Always returns 200; parse the 'status' field (healthy/degraded/unhealthy) for actual state.",
			"tags":        []string{"System"},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Health status (check 'status' field for healthy/degraded/unhealthy)",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/HealthResponse"},
						},
					},
				},
			},
		},
	}

	paths["/_/health/{dbname}"] = map[string]any{
		"get": map[string]any{
			"summary":     "Per-database health check",
			"description": "Returns health status for a specific database connection. Always returns 200 if database exists; parse 'status' field (connected/disconnected).",
			"tags":        []string{"System"},
			"parameters": []map[string]any{
				{
					"name":        "dbname",
					"in":          "path",
					"required":    true,
					"description": "Database connection name",
					"schema": map[string]any{
						"type": "string",
					},
				},
			},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Database status (check 'status' field for connected/disconnected)",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/DbHealthResponse"},
						},
					},
				},
				"404": map[string]any{
					"description": "Database not found in configuration",
				},
			},
		},
	}

	paths["/_/metrics"] = map[string]any{
		"get": map[string]any{
			"summary":     "Prometheus metrics",
			"description": "Returns metrics in Prometheus/OpenMetrics format for scraping by monitoring systems",
			"tags":        []string{"System"},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Prometheus metrics",
					"content": map[string]any{
						"text/plain": map[string]any{
							"schema": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	}

	paths["/_/metrics.json"] = map[string]any{
		"get": map[string]any{
			"summary":     "JSON metrics snapshot",
			"description": "Returns current metrics in human-readable JSON format including request counts, latencies, and error rates",
			"tags":        []string{"System"},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Metrics snapshot",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/MetricsResponse"},
						},
					},
				},
			},
		},
	}

	paths["/_/config/loglevel"] = map[string]any{
		"get": map[string]any{
			"summary": "Get current log level",
			"tags":    []string{"System"},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Current log level",
				},
			},
		},
		"post": map[string]any{
			"summary":     "Change log level",
			"description": "Change log level at runtime without restart",
			"tags":        []string{"System"},
			"parameters": []map[string]any{
				{
					"name":        "level",
					"in":          "query",
					"required":    true,
					"description": "Log level to set",
					"schema": map[string]any{
						"type": "string",
						"enum": []string{"debug", "info", "warn", "error"},
					},
				},
			},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Log level changed",
				},
			},
		},
	}

	cacheClearOp := map[string]any{
		"summary":     "Clear cache",
		"description": "Clear all cache entries or entries for a specific endpoint",
		"tags":        []string{"System"},
		"parameters": []map[string]any{
			{
				"name":        "endpoint",
				"in":          "query",
				"required":    false,
				"description": "Endpoint path to clear cache for (e.g., /api/machines). If omitted, clears all cache.",
				"schema": map[string]any{
					"type": "string",
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{
				"description": "Cache cleared successfully",
			},
			"404": map[string]any{
				"description": "Cache not enabled",
			},
		},
	}
	paths["/_/cache/clear"] = map[string]any{
		"post":   cacheClearOp,
		"delete": cacheClearOp,
	}

	// Rate limits endpoint
	paths["/_/ratelimits"] = map[string]any{
		"get": map[string]any{
			"summary":     "Rate limit status",
			"description": "Returns rate limit configuration and current metrics for all pools",
			"tags":        []string{"System"},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Rate limit status",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{"$ref": "#/components/schemas/RateLimitsResponse"},
						},
					},
				},
			},
		},
	}

	// Add one path per configured endpoint (spec.md §4.6, §6.2).
	for _, e := range cfg.Endpoints {
		if e.Path == "" {
			continue
		}
		paths[e.Path] = buildEndpointPath(e, cfg.Server)
	}

	return paths
}

func buildEndpointPath(e *config.EndpointConfig, serverCfg config.ServerConfig) map[string]any {
	method := "get"
	if e.Method != "" {
		method = lowerHTTPMethod(e.Method)
	} else if e.Operation.IsWrite() {
		method = "post"
	}

	params := make([]map[string]any, 0, len(e.RequestFields))
	for _, f := range e.RequestFields {
		loc := f.Location
		if loc == "" {
			loc = "query"
		}
		if loc == "body" {
			// body fields surface in the request schema, not as OpenAPI
			// "parameters"
			continue
		}
		param := map[string]any{
			"name":        f.Name,
			"in":          loc,
			"required":    f.Required,
			"description": buildFieldDescription(f),
			"schema":      fieldSchema(f),
		}
		params = append(params, param)
	}

	responses := map[string]any{
		"200": map[string]any{
			"description": "Successful response",
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/WorkflowResponse"},
				},
			},
		},
		"400": map[string]any{
			"description": "Bad request (missing or invalid parameters)",
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/ErrorResponse"},
				},
			},
		},
		"401": map[string]any{"description": "Authentication required or failed"},
		"403": map[string]any{"description": "Authenticated but not authorized"},
		"500": map[string]any{
			"description": "Request execution failed",
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/ErrorResponse"},
				},
			},
		},
		"504": map[string]any{"description": "Request timeout"},
	}

	if e.RateLimit != nil {
		responses["429"] = map[string]any{
			"description": "Rate limit exceeded",
			"headers": map[string]any{
				"Retry-After": map[string]any{
					"description": "Seconds to wait before retrying",
					"schema":      map[string]any{"type": "integer"},
				},
			},
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/RateLimitErrorResponse"},
				},
			},
		}
	}

	summary := e.MCPName
	if summary == "" {
		summary = e.Path
	}

	return map[string]any{
		method: map[string]any{
			"summary":     summary,
			"description": "Default timeout: " + strconv.Itoa(serverCfg.DefaultTimeoutSec) + "s",
			"tags":        []string{"Endpoints"},
			"operationId": e.Slug(),
			"parameters":  params,
			"responses":   responses,
		},
	}
}

func lowerHTTPMethod(m string) string {
	switch m {
	case "GET", "get", "":
		return "get"
	case "POST", "post":
		return "post"
	case "PUT", "put":
		return "put"
	case "PATCH", "patch":
		return "patch"
	case "DELETE", "delete":
		return "delete"
	default:
		return "get"
	}
}

func buildFieldDescription(f config.RequestField) string {
	desc := f.Description
	if f.HasDefault {
		if desc != "" {
			desc += " "
		}
		desc += "(default: " + f.Default + ")"
	}
	return desc
}

// fieldSchema derives an OpenAPI schema from the field's compiled
// validators; a field with no type-bearing validator is treated as a
// free-form string.
func fieldSchema(f config.RequestField) map[string]any {
	for _, v := range f.Validators {
		switch v.Kind() {
		case "int":
			return map[string]any{"type": "integer"}
		case "float":
			return map[string]any{"type": "number"}
		case "date":
			return map[string]any{"type": "string", "format": "date"}
		case "time":
			return map[string]any{"type": "string", "format": "time"}
		case "uuid":
			return map[string]any{"type": "string", "format": "uuid"}
		case "email":
			return map[string]any{"type": "string", "format": "email"}
		case "enum":
			return map[string]any{"type": "string"}
		}
	}
	schema := map[string]any{"type": "string"}
	if f.HasDefault {
		schema["default"] = f.Default
	}
	return schema
}

func buildComponents() map[string]any {
	return map[string]any{
		"schemas": map[string]any{
			"WorkflowResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"success": map[string]any{
						"type":    "boolean",
						"example": true,
					},
					"data": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "object"},
						"description": "Array of result rows (from query steps)",
					},
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of rows returned",
					},
					"request_id": map[string]any{
						"type":        "string",
						"description": "Unique request ID for tracing",
					},
				},
			},
			"ErrorResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"success": map[string]any{
						"type":    "boolean",
						"example": false,
					},
					"error": map[string]any{
						"type":        "string",
						"description": "Error message",
					},
					"request_id": map[string]any{
						"type":        "string",
						"description": "Unique request ID for tracing",
					},
				},
			},
			"HealthResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{
						"type": "string",
						"enum": []string{"healthy", "degraded", "unhealthy"},
					},
					"databases": map[string]any{
						"type":        "object",
						"description": "Per-database connection status (connected/disconnected)",
						"additionalProperties": map[string]any{
							"type": "string",
							"enum": []string{"connected", "disconnected"},
						},
					},
					"uptime": map[string]any{
						"type":        "string",
						"description": "Service uptime",
					},
				},
			},
			"DbHealthResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"database": map[string]any{
						"type":        "string",
						"description": "Database connection name",
					},
					"status": map[string]any{
						"type": "string",
						"enum": []string{"connected", "disconnected"},
					},
					"type": map[string]any{
						"type":        "string",
						"description": "Database type (sqlserver, sqlite)",
					},
					"readonly": map[string]any{
						"type":        "boolean",
						"description": "Whether connection is read-only",
					},
				},
			},
			"MetricsResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timestamp": map[string]any{
						"type":   "string",
						"format": "date-time",
					},
					"uptime_sec": map[string]any{
						"type": "integer",
					},
					"total_requests": map[string]any{
						"type": "integer",
					},
					"total_errors": map[string]any{
						"type": "integer",
					},
					"db_healthy": map[string]any{
						"type": "boolean",
					},
					"endpoints": map[string]any{
						"type":        "object",
						"description": "Per-endpoint statistics",
					},
				},
			},
			"RateLimitsResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"enabled": map[string]any{
						"type": "boolean",
					},
					"total_allowed": map[string]any{
						"type":        "integer",
						"description": "Total requests allowed since startup",
					},
					"total_denied": map[string]any{
						"type":        "integer",
						"description": "Total requests denied since startup",
					},
					"pools": map[string]any{
						"type":        "array",
						"description": "Rate limit pool configurations and metrics",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"name": map[string]any{
									"type": "string",
								},
								"requests_per_second": map[string]any{
									"type": "integer",
								},
								"burst": map[string]any{
									"type": "integer",
								},
								"allowed": map[string]any{
									"type": "integer",
								},
								"denied": map[string]any{
									"type": "integer",
								},
								"active_buckets": map[string]any{
									"type":        "integer",
									"description": "Number of active client buckets",
								},
							},
						},
					},
				},
			},
			"RateLimitErrorResponse": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"success": map[string]any{
						"type":    "boolean",
						"example": false,
					},
					"error": map[string]any{
						"type":    "string",
						"example": "rate limit exceeded",
					},
					"retry_after_sec": map[string]any{
						"type":        "integer",
						"description": "Seconds to wait before retrying",
					},
				},
			},
		},
	}
}
