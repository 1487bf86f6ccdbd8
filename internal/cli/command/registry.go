package command

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "submit",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/submissions",
			Fields: []Field{
				{Name: "language", Aliases: []string{"lang", "language_id"}, Prompt: "language", Type: FieldString, Required: true},
				{Name: "source_code", Prompt: "source_code", Type: FieldString, Required: true},
				{Name: "source_file", Prompt: "source_file", Type: FieldFile, Required: false},
				{Name: "stdin", Prompt: "stdin", Type: FieldString, Required: false},
				{Name: "stdin_file", Prompt: "stdin_file", Type: FieldFile, Required: false},
				{Name: "expected_output", Aliases: []string{"expected"}, Prompt: "expected_output", Type: FieldString, Required: false},
				{Name: "expected_file", Prompt: "expected_file", Type: FieldFile, Required: false},
				{Name: "compare_policy", Aliases: []string{"policy"}, Prompt: "compare_policy", Type: FieldString, Required: false},
				{Name: "time_limit_ms", Prompt: "time_limit_ms", Type: FieldInt, Required: false},
				{Name: "memory_limit_mb", Prompt: "memory_limit_mb", Type: FieldInt, Required: false},
				{Name: "callback_url", Prompt: "callback_url", Type: FieldString, Required: false},
				{Name: "submission_id", Prompt: "submission_id", Type: FieldString, Required: false},
				{Name: "idempotency_key", Prompt: "idempotency_key", Type: FieldString, Required: false},
			},
		},
		{
			Service:      "submit",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "result",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "judge",
			Action:       "active",
			Method:       "GET",
			PathTemplate: "/admin/submissions/active",
		},
		{
			Service:      "judge",
			Action:       "recent",
			Method:       "GET",
			PathTemplate: "/admin/submissions/recent",
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt, Required: false},
			},
		},
		{
			Service:      "judge",
			Action:       "kill",
			Method:       "POST",
			PathTemplate: "/admin/submissions/:id/kill",
			Fields: []Field{
				{Name: "id", Aliases: []string{"submission_id"}, Prompt: "submission_id", Type: FieldString, Required: true},
			},
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	headers := map[string]string{}
	if cmd.Service == "submit" && cmd.Action == "create" {
		headers["Idempotency-Key"] = params.Get("idempotency_key")
	}
	if cmd.Service == "judge" && cmd.Action == "recent" && params.Get("limit") != "" {
		limit, err := ParseInt(params.Get("limit"))
		if err != nil {
			return RequestSpec{}, fmt.Errorf("invalid limit: %w", err)
		}
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	placeholder := ":id"
	if strings.Contains(path, placeholder) {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, placeholder, value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service == "submit" && cmd.Action == "create" {
		return buildSubmitCreatePayload(params)
	}
	return nil, nil
}

func buildSubmitCreatePayload(params Params) (interface{}, error) {
	sourceCode, err := stringOrFile(params, "source_code", "source_file")
	if err != nil {
		return nil, err
	}
	if sourceCode == "" {
		return nil, fmt.Errorf("source_code is required")
	}
	stdin, err := stringOrFile(params, "stdin", "stdin_file")
	if err != nil {
		return nil, err
	}
	expected, err := stringOrFile(params, "expected_output", "expected_file")
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"language":        params.Get("language"),
		"source_code":     sourceCode,
		"stdin":           stdin,
		"expected_output": expected,
	}
	if params.Get("compare_policy") != "" {
		payload["compare_policy"] = params.Get("compare_policy")
	}
	if params.Get("time_limit_ms") != "" {
		timeLimit, err := ParseInt(params.Get("time_limit_ms"))
		if err != nil {
			return nil, fmt.Errorf("invalid time_limit_ms: %w", err)
		}
		payload["time_limit_ms"] = timeLimit
	}
	if params.Get("memory_limit_mb") != "" {
		memoryLimit, err := ParseInt(params.Get("memory_limit_mb"))
		if err != nil {
			return nil, fmt.Errorf("invalid memory_limit_mb: %w", err)
		}
		payload["memory_limit_mb"] = memoryLimit
	}
	if params.Get("callback_url") != "" {
		payload["callback_url"] = params.Get("callback_url")
	}
	if params.Get("submission_id") != "" {
		payload["submission_id"] = params.Get("submission_id")
	}
	return payload, nil
}

func stringOrFile(params Params, key, fileKey string) (string, error) {
	value := params.Get(key)
	if (value == "" || value == "_file_") && params.Get(fileKey) != "" {
		data, err := ReadFile(params.Get(fileKey))
		if err != nil {
			return "", err
		}
		return data, nil
	}
	if value == "_file_" {
		return "", nil
	}
	return value, nil
}
