package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memforge/memforge/internal/memory"
	"github.com/memforge/memforge/internal/search"
)

// Deps are the services the tool handlers call into.
type Deps struct {
	Memory *memory.Service
	Search *search.Searcher
	Logger *zap.Logger
}

// handlers binds the tool surface to the memory and search pipelines.
func handlers(deps *Deps) map[string]ToolHandler {
	return map[string]ToolHandler{
		"add_memories":  deps.handleAddMemories,
		"search_memory": deps.handleSearchMemory,
	}
}

func (d *Deps) handleAddMemories(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	userID := argString(args, "user_id")
	if userID == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "user_id is required"}
	}
	req := &memory.AddRequest{
		UserID:                 userID,
		AppName:                argString(args, "app_name"),
		Items:                  argItems(args),
		Tags:                   argStringSlice(args, "tags"),
		Categories:             argStringSlice(args, "categories"),
		SuppressAutoCategories: argBool(args, "suppress_auto_categories"),
		Replaces:               argString(args, "replaces"),
	}

	res, err := d.Memory.AddMemories(ctx, req)
	if err != nil {
		return nil, err
	}
	return addResultMap(res), nil
}

// addResultMap flattens an AddResult, omitting zero-valued outcomes so the
// client only sees what actually happened.
func addResultMap(res *memory.AddResult) map[string]interface{} {
	out := map[string]interface{}{}
	if res.Stored > 0 {
		out["stored"] = res.Stored
	}
	if res.Superseded > 0 {
		out["superseded"] = res.Superseded
	}
	if res.Skipped > 0 {
		out["skipped"] = res.Skipped
	}
	if res.Invalidated > 0 {
		out["invalidated"] = res.Invalidated
	}
	if res.Touched > 0 {
		out["touched"] = res.Touched
	}
	if res.Resolved > 0 {
		out["resolved"] = res.Resolved
	}
	if res.Deleted != "" {
		out["deleted"] = res.Deleted
	}
	if len(res.IDs) > 0 {
		out["ids"] = res.IDs
	}
	if len(res.TouchedIDs) > 0 {
		out["touched_ids"] = res.TouchedIDs
	}
	if len(res.ResolvedIDs) > 0 {
		out["resolved_ids"] = res.ResolvedIDs
	}
	if len(res.Errors) > 0 {
		out["errors"] = res.Errors
	}
	return out
}

func (d *Deps) handleSearchMemory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	userID := argString(args, "user_id")
	if userID == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "user_id is required"}
	}

	req := &search.Request{
		UserID:          userID,
		AppName:         argString(args, "app_name"),
		Query:           argString(args, "query"),
		Limit:           argInt(args, "limit"),
		Offset:          argInt(args, "offset"),
		Category:        argString(args, "category"),
		Tag:             argString(args, "tag"),
		IncludeEntities: argBoolOr(args, "include_entities", true),
	}
	if raw := argString(args, "created_after"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: fmt.Sprintf("created_after: %v", err)}
		}
		req.CreatedAfter = &t
	}

	if req.Browse() {
		return d.Search.BrowseMemories(ctx, req)
	}
	return d.Search.Search(ctx, req)
}

// argItems collects memory texts: content is the canonical parameter and
// takes a single string or an array; items and text are accepted aliases.
func argItems(args map[string]interface{}) []string {
	if items := argStringSlice(args, "content"); items != nil {
		return items
	}
	if items := argStringSlice(args, "items"); items != nil {
		return items
	}
	if text := argString(args, "text"); text != "" {
		return []string{text}
	}
	return nil
}

// argString reads a string argument, trimmed.
func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// argStringSlice reads a []string argument, tolerating untyped JSON arrays.
// A bare string becomes a one-element slice.
func argStringSlice(args map[string]interface{}, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func argBool(args map[string]interface{}, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// argBoolOr reads a bool argument, falling back to def when the key is
// absent or not a bool.
func argBoolOr(args map[string]interface{}, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// argInt reads an integer argument; JSON numbers arrive as float64.
func argInt(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
