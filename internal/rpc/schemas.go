package rpc

// toolSchemas declares the tool surface. Every tool scopes to a user_id;
// app_name is optional and defaults to the server's configured app.
func toolSchemas() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: "add_memories",
			Description: "Store one or more memory items for a user. Items are deduplicated, " +
				"classified for intent (store, invalidate, touch, resolve, delete entity), and " +
				"queued for background knowledge extraction.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{
						"type":        "string",
						"description": "Owner of the memories",
					},
					"app_name": map[string]interface{}{
						"type":        "string",
						"description": "Originating application",
					},
					"content": map[string]interface{}{
						"oneOf": []interface{}{
							map[string]interface{}{"type": "string"},
							map[string]interface{}{
								"type":  "array",
								"items": map[string]interface{}{"type": "string"},
							},
						},
						"description": "Memory text to store, or an array of texts",
					},
					"items": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Alias for content",
					},
					"tags": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
					"categories": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string"},
						"description": "Explicit categories; suppresses auto-categorization",
					},
					"suppress_auto_categories": map[string]interface{}{
						"type": "boolean",
					},
					"replaces": map[string]interface{}{
						"type":        "string",
						"description": "Memory id each item supersedes, bypassing intent classification",
					},
				},
				"required": []string{"user_id", "content"},
			},
		},
		{
			Name: "search_memory",
			Description: "Hybrid lexical plus semantic search over a user's memories. " +
				"An empty query browses the store newest-first instead.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"user_id": map[string]interface{}{
						"type":        "string",
						"description": "Owner of the memories",
					},
					"app_name": map[string]interface{}{
						"type": "string",
					},
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Search text; empty for browse mode",
					},
					"limit": map[string]interface{}{
						"type": "integer",
					},
					"offset": map[string]interface{}{
						"type":        "integer",
						"description": "Browse mode only",
					},
					"category": map[string]interface{}{
						"type": "string",
					},
					"tag": map[string]interface{}{
						"type": "string",
					},
					"created_after": map[string]interface{}{
						"type":        "string",
						"description": "RFC 3339 timestamp",
					},
					"include_entities": map[string]interface{}{
						"type":        "boolean",
						"default":     true,
						"description": "Enrich results with related knowledge-graph entities; pass false to skip",
					},
				},
				"required": []string{"user_id"},
			},
		},
	}
}
