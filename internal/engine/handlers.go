package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/runtime"
	"github.com/dipeo/engine/internal/services"
)

// NewDefaultRegistry returns a handler registry with every builtin node type
// bound.
func NewDefaultRegistry(env services.Environment) (*HandlerRegistry, error) {
	reg := NewHandlerRegistry(env)
	defs := []Definition{
		startDef(),
		conditionDef(),
		personJobDef(),
		endpointDef(),
		dbDef(),
		codeJobDef(),
		apiJobDef(),
		userResponseDef(),
		integratedAPIDef(),
	}
	for _, d := range defs {
		if err := reg.Register(d); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Property bag helpers. Handlers receive the validated raw map; these keep
// the extraction noise out of the handler bodies.

func stringProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolProp(props map[string]any, key string) bool {
	v, _ := props[key].(bool)
	return v
}

func mapProp(props map[string]any, key string) map[string]any {
	if m, ok := props[key].(map[string]any); ok {
		return m
	}
	return nil
}

// timeoutSchema accepts bare seconds or a duration string ("30s", "5m").
func timeoutSchema() map[string]any {
	return map[string]any{
		"anyOf": []any{
			map[string]any{"type": "number", "minimum": 0},
			map[string]any{"type": "string"},
		},
	}
}

func stringsProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// start

func startDef() Definition {
	return Definition{
		Type: diagram.NodeStart,
		Schema: objectSchema(map[string]any{
			"custom_data":  map[string]any{"type": "object"},
			"trigger_mode": map[string]any{"type": "string"},
		}),
		Run: runStart,
	}
}

// runStart seeds the run: the node's custom_data merged with the execution
// variables, run inputs winning on key collision.
func runStart(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	seed := map[string]any{}
	for k, v := range mapProp(req.Props, "custom_data") {
		seed[k] = v
	}
	for k, v := range req.Snapshot.Variables {
		seed[k] = v
	}
	return runtime.NewValueOutput(map[string]any{runtime.DefaultLabel: seed}), nil
}

// condition

func conditionDef() Definition {
	return Definition{
		Type: diagram.NodeCondition,
		Schema: objectSchema(map[string]any{
			"condition_type": map[string]any{
				"type": "string",
				"enum": []any{"custom", "detect_max_iterations"},
			},
			"expression": map[string]any{"type": "string"},
			"node_ids": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		}),
		Run: runCondition,
	}
}

func runCondition(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	ctype := stringProp(req.Props, "condition_type")
	if ctype == "" {
		ctype = "custom"
	}

	var result bool
	switch ctype {
	case "custom":
		expression := stringProp(req.Props, "expression")
		if expression == "" {
			return nil, runtime.Errorf(runtime.KindValidation, req.Node.ID, "condition: expression is required for condition_type custom")
		}
		v, err := evalExpression(expression, req)
		if err != nil {
			return nil, runtime.WrapError(runtime.KindValidation, req.Node.ID, err)
		}
		result = truthy(v)
	case "detect_max_iterations":
		result = detectMaxIterations(req)
	default:
		return nil, runtime.Errorf(runtime.KindValidation, req.Node.ID, "condition: unknown condition_type %q", ctype)
	}

	value := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		value[k] = v
	}
	// The taken branch's key carries the forwarded value so arrows labelled
	// "true"/"false" can read it directly.
	var forward any = req.Inputs
	if d, ok := req.Inputs[runtime.DefaultLabel]; ok {
		forward = d
	}
	value[fmt.Sprintf("%t", result)] = forward

	out := runtime.NewValueOutput(value)
	out.SetConditionResult(result)
	req.Log.Debug().Bool("result", result).Str("condition_type", ctype).Msg("condition evaluated")
	return out, nil
}

func evalExpression(expression string, req *Request) (any, error) {
	env := map[string]any{
		"inputs":      req.Inputs,
		"vars":        req.Snapshot.Variables,
		"exec_counts": req.Snapshot.ExecCounts,
	}
	prog, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	v, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return v, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// detectMaxIterations is true when every monitored iterative node has spent
// its iteration budget. With no node_ids it monitors all person_job nodes
// with a cap above 1; when nothing qualifies the answer is vacuously true so
// a misconfigured loop exits instead of spinning.
func detectMaxIterations(req *Request) bool {
	monitored := map[string]bool{}
	for _, id := range stringsProp(req.Props, "node_ids") {
		monitored[id] = true
	}
	for _, ref := range req.Snapshot.Nodes {
		if len(monitored) > 0 {
			if !monitored[ref.ID] {
				continue
			}
		} else if ref.Type != diagram.NodePersonJob || ref.MaxIterations <= 1 {
			continue
		}
		if req.Snapshot.ExecCounts[ref.ID] < ref.MaxIterations {
			return false
		}
	}
	return true
}

// endpoint

func endpointDef() Definition {
	return Definition{
		Type: diagram.NodeEndpoint,
		Schema: objectSchema(map[string]any{
			"save_to_file": map[string]any{"type": "boolean"},
			"file_name":    map[string]any{"type": "string"},
		}),
		RequiresServices: []string{services.KeyFilesystem},
		Run:              runEndpoint,
	}
}

// runEndpoint passes its inputs through unchanged and optionally writes
// them to a file.
func runEndpoint(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	value := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		value[k] = v
	}
	out := runtime.NewValueOutput(value)

	if boolProp(req.Props, "save_to_file") {
		name := stringProp(req.Props, "file_name")
		if name == "" {
			return nil, runtime.Errorf(runtime.KindValidation, req.Node.ID, "endpoint: save_to_file set but file_name empty")
		}
		fs, ok := req.Service(services.KeyFilesystem).(services.FileSystem)
		if !ok {
			return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "endpoint: filesystem service has wrong type")
		}
		data, err := renderFilePayload(value)
		if err != nil {
			return nil, err
		}
		if err := fs.WriteFile(name, data); err != nil {
			return nil, fmt.Errorf("endpoint: save %s: %w", name, err)
		}
		out.Metadata["saved_to"] = name
		req.Log.Info().Str("file", name).Msg("endpoint result saved")
	}
	return out, nil
}

// renderFilePayload writes a lone string input verbatim, anything else as
// indented JSON.
func renderFilePayload(value map[string]any) ([]byte, error) {
	if len(value) == 1 {
		if s, ok := value[runtime.DefaultLabel].(string); ok {
			return []byte(s), nil
		}
	}
	return json.MarshalIndent(value, "", "  ")
}

// db

func dbDef() Definition {
	return Definition{
		Type: diagram.NodeDB,
		Schema: objectSchema(map[string]any{
			"operation": map[string]any{
				"type": "string",
				"enum": []any{"read", "write", "append"},
			},
			"source_details": map[string]any{"type": "string"},
		}, "operation", "source_details"),
		RequiresServices: []string{services.KeyFilesystem},
		Run:              runDB,
	}
}

func runDB(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	op := stringProp(req.Props, "operation")
	target := stringProp(req.Props, "source_details")
	fs, ok := req.Service(services.KeyFilesystem).(services.FileSystem)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "db: filesystem service has wrong type")
	}

	switch op {
	case "read":
		if services.HasGlobMeta(target) {
			paths, err := fs.Glob(target)
			if err != nil {
				return nil, fmt.Errorf("db: glob %s: %w", target, err)
			}
			contents := make(map[string]any, len(paths))
			for _, p := range paths {
				b, err := fs.ReadFile(p)
				if err != nil {
					return nil, fmt.Errorf("db: read %s: %w", p, err)
				}
				contents[p] = string(b)
			}
			return runtime.NewOutput(contents), nil
		}
		b, err := fs.ReadFile(target)
		if err != nil {
			return nil, fmt.Errorf("db: read %s: %w", target, err)
		}
		return runtime.NewOutput(string(b)), nil

	case "write", "append":
		data := stringifyInput(req.Inputs[runtime.DefaultLabel])
		var err error
		if op == "write" {
			err = fs.WriteFile(target, []byte(data))
		} else {
			err = fs.AppendFile(target, []byte(data))
		}
		if err != nil {
			return nil, fmt.Errorf("db: %s %s: %w", op, target, err)
		}
		req.Log.Debug().Str("operation", op).Str("path", target).Int("bytes", len(data)).Msg("db step done")
		return runtime.NewOutput(fmt.Sprintf("%s ok: %s", op, target)), nil

	default:
		return nil, runtime.Errorf(runtime.KindValidation, req.Node.ID, "db: unknown operation %q", op)
	}
}

func stringifyInput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// code_job

func codeJobDef() Definition {
	return Definition{
		Type: diagram.NodeCodeJob,
		Schema: objectSchema(map[string]any{
			"language": map[string]any{
				"type": "string",
				"enum": []any{
					"python", "python3",
					"javascript", "js", "node",
					"bash", "shell", "sh",
					"expression",
				},
			},
			"code":    map[string]any{"type": "string"},
			"timeout": timeoutSchema(),
		}, "language", "code"),
		RequiresServices: []string{services.KeyCodeRunner},
		Run:              runCodeJob,
	}
}

// runCodeJob executes a snippet. The "expression" language evaluates
// in-process against the inputs; everything else goes through the code
// runner with the inputs JSON on stdin.
func runCodeJob(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	language := stringProp(req.Props, "language")
	code := stringProp(req.Props, "code")

	if language == "expression" {
		v, err := evalExpression(code, req)
		if err != nil {
			return nil, runtime.WrapError(runtime.KindHandlerFailure, req.Node.ID, err)
		}
		return runtime.NewOutput(v), nil
	}

	runner, ok := req.Service(services.KeyCodeRunner).(services.CodeRunner)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "code_job: code runner service has wrong type")
	}
	stdin, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("code_job: encode inputs: %w", err)
	}
	stdout, err := runner.RunProcess(ctx, language, code, stdin)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(stdout)
	var parsed any
	if trimmed != "" && json.Unmarshal([]byte(trimmed), &parsed) == nil {
		return runtime.NewOutput(parsed), nil
	}
	return runtime.NewOutput(trimmed), nil
}

// api_job

func apiJobDef() Definition {
	return Definition{
		Type: diagram.NodeAPIJob,
		Schema: objectSchema(map[string]any{
			"url":     map[string]any{"type": "string"},
			"method":  map[string]any{"type": "string"},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{},
			"timeout": timeoutSchema(),
		}, "url"),
		RequiresServices: []string{services.KeyHTTP},
		Run:              runAPIJob,
	}
}

const maxAPIResponseBytes = 10 << 20

func runAPIJob(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	client, ok := req.Service(services.KeyHTTP).(*http.Client)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "api_job: http service has wrong type")
	}
	url := stringProp(req.Props, "url")
	method := strings.ToUpper(stringProp(req.Props, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	if raw, ok := req.Props["body"]; ok && raw != nil {
		switch b := raw.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			enc, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("api_job: encode body: %w", err)
			}
			body = strings.NewReader(string(enc))
			contentType = "application/json"
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("api_job: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapProp(req.Props, "headers") {
		httpReq.Header.Set(k, fmt.Sprint(v))
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api_job: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("api_job: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api_job: %s %s returned %d: %s", method, url, resp.StatusCode, firstLine(payload))
	}

	var parsed any
	var value any
	if json.Unmarshal(payload, &parsed) == nil {
		value = parsed
	} else {
		value = string(payload)
	}
	out := runtime.NewOutput(value)
	out.Metadata["status_code"] = resp.StatusCode
	return out, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// user_response

func userResponseDef() Definition {
	return Definition{
		Type: diagram.NodeUserResponse,
		Schema: objectSchema(map[string]any{
			"prompt":  map[string]any{"type": "string"},
			"timeout": timeoutSchema(),
		}, "prompt"),
		RequiresServices: []string{services.KeyInteractive},
		Run:              runUserResponse,
	}
}

const defaultResponseTimeout = 60 * time.Second

func runUserResponse(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	handler, ok := req.Service(services.KeyInteractive).(services.InteractiveHandler)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "user_response: interactive service has wrong type")
	}
	timeout := req.Node.DurationProp("timeout", defaultResponseTimeout)
	answer, err := handler(ctx, stringProp(req.Props, "prompt"), timeout)
	if err != nil {
		return nil, fmt.Errorf("user_response: %w", err)
	}
	return runtime.NewOutput(answer), nil
}

// integrated_api

func integratedAPIDef() Definition {
	return Definition{
		Type: diagram.NodeIntegratedAPI,
		Schema: objectSchema(map[string]any{
			"provider":    map[string]any{"type": "string"},
			"operation":   map[string]any{"type": "string"},
			"resource_id": map[string]any{"type": "string"},
			"config":      map[string]any{"type": "object"},
		}, "provider", "operation"),
		RequiresServices: []string{services.KeyIntegrations},
		Run:              runIntegratedAPI,
	}
}

func runIntegratedAPI(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	integ, ok := req.Service(services.KeyIntegrations).(services.Integrations)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "integrated_api: integrations service has wrong type")
	}
	result, err := integ.Invoke(ctx, services.IntegrationRequest{
		Provider:   stringProp(req.Props, "provider"),
		Operation:  stringProp(req.Props, "operation"),
		ResourceID: stringProp(req.Props, "resource_id"),
		Config:     mapProp(req.Props, "config"),
		Inputs:     req.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("integrated_api: %w", err)
	}
	return runtime.NewOutput(result), nil
}
