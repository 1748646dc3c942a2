package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/dipeo/engine/internal/conversation"
	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/llm"
	"github.com/dipeo/engine/internal/runtime"
	"github.com/dipeo/engine/internal/services"
)

func personJobDef() Definition {
	return Definition{
		Type: diagram.NodePersonJob,
		Schema: objectSchema(map[string]any{
			"person": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string"},
					map[string]any{"type": "object"},
				},
			},
			"person_id":             map[string]any{"type": "string"},
			"prompt":                map[string]any{"type": "string"},
			"default_prompt":        map[string]any{"type": "string"},
			"first_only_prompt":     map[string]any{"type": "string"},
			"max_iteration":         map[string]any{"type": "integer", "minimum": 1},
			"max_iterations":        map[string]any{"type": "integer", "minimum": 1},
			"text_format":           map[string]any{"type": "string"},
			"forget_mode":           map[string]any{"type": "string"},
			"context_cleaning_rule": map[string]any{"type": "string"},
		}),
		RequiresServices: []string{services.KeyLLM, services.KeyConversation},
		Run:              runPersonJob,
	}
}

// runPersonJob drives one LLM turn for the node's person: pick the prompt for
// this iteration, append it to the person's conversation, complete against the
// provider, and record the reply with its token usage.
func runPersonJob(ctx context.Context, req *Request) (*runtime.NodeOutput, error) {
	person, personID, err := resolvePerson(req)
	if err != nil {
		return nil, err
	}
	conv, ok := req.Service(services.KeyConversation).(*conversation.Store)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "person_job: conversation service has wrong type")
	}
	llmSvc, ok := req.Service(services.KeyLLM).(*llm.Service)
	if !ok {
		return nil, runtime.Errorf(runtime.KindMissingService, req.Node.ID, "person_job: llm service has wrong type")
	}

	execCount := req.Snapshot.ExecCounts[req.Node.ID]
	prompt, err := renderPrompt(req, execCount)
	if err != nil {
		return nil, err
	}

	if forgetMode(req.Props) == "on_every_turn" && execCount > 0 {
		conv.ForgetOwnMessages(personID, req.Snapshot.ExecutionID)
	}

	conv.AddMessage(prompt, "", req.Snapshot.ExecutionID, []string{personID},
		llm.RoleUser, req.Node.ID, req.Node.DisplayLabel(), runtime.TokenUsage{})

	visible := conv.VisibleMessages(personID)
	msgs := make([]llm.Message, 0, len(visible))
	for _, m := range visible {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	apiKey, err := resolveAPIKey(req, person)
	if err != nil {
		return nil, err
	}
	client, err := llmSvc.ClientFor(person.Service, apiKey)
	if err != nil {
		return nil, runtime.WrapError(runtime.KindValidation, req.Node.ID, err)
	}

	resp, err := client.Complete(ctx, llm.Request{
		Model:       person.Model,
		System:      person.SystemPrompt,
		Messages:    msgs,
		MaxTokens:   person.MaxTokens,
		Temperature: person.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("person_job: %w", err)
	}

	usage := runtime.TokenUsage{
		Input:  resp.Usage.Input,
		Output: resp.Usage.Output,
		Total:  resp.Usage.Total,
		Cached: resp.Usage.Cached,
	}
	conv.AddMessage(resp.Text, personID, req.Snapshot.ExecutionID, []string{personID},
		llm.RoleAssistant, req.Node.ID, req.Node.DisplayLabel(), usage)

	var answer any = resp.Text
	if strings.EqualFold(stringProp(req.Props, "text_format"), "json") {
		answer = parseModelJSON(req, resp.Text)
	}

	after := conv.VisibleMessages(personID)
	convValue := make([]any, 0, len(after))
	for _, m := range after {
		convValue = append(convValue, map[string]any{
			"role":      m.Role,
			"content":   m.Content,
			"person_id": m.PersonID,
		})
	}

	out := runtime.NewValueOutput(map[string]any{
		runtime.DefaultLabel: answer,
		"conversation":       convValue,
	})
	out.SetTokens(usage)
	req.Log.Debug().
		Str("person", personID).
		Str("model", person.Model).
		Int("tokens", usage.Total).
		Str("stop_reason", resp.StopReason).
		Msg("person turn complete")
	return out, nil
}

// resolvePerson accepts a person reference by id ("person" or "person_id"
// string) or a full inline definition (object in "person").
func resolvePerson(req *Request) (diagram.Person, string, error) {
	if m := mapProp(req.Props, "person"); m != nil {
		p := diagram.Person{
			Service:      stringOf(m["service"]),
			Model:        stringOf(m["model"]),
			SystemPrompt: stringOf(m["system_prompt"]),
			APIKeyID:     stringOf(m["api_key_id"]),
		}
		switch v := m["max_tokens"].(type) {
		case int:
			p.MaxTokens = v
		case float64:
			p.MaxTokens = int(v)
		}
		if t, ok := m["temperature"].(float64); ok {
			p.Temperature = t
		}
		if p.Service == "" || p.Model == "" {
			return diagram.Person{}, "", runtime.Errorf(runtime.KindValidation, req.Node.ID,
				"person_job: inline person needs service and model")
		}
		return p, "inline:" + req.Node.ID, nil
	}

	id := stringProp(req.Props, "person")
	if id == "" {
		id = stringProp(req.Props, "person_id")
	}
	if id == "" {
		return diagram.Person{}, "", runtime.Errorf(runtime.KindValidation, req.Node.ID, "person_job: person is required")
	}
	p, ok := req.Snapshot.Person(id)
	if !ok {
		return diagram.Person{}, "", runtime.Errorf(runtime.KindValidation, req.Node.ID, "person_job: unknown person %q", id)
	}
	return p, id, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// resolveAPIKey looks the person's key up by id in the execution's key map,
// then falls back to the provider's conventional environment variable.
func resolveAPIKey(req *Request, person diagram.Person) (string, error) {
	if person.APIKeyID != "" {
		if key, ok := req.Snapshot.APIKey(person.APIKeyID); ok && key != "" {
			return key, nil
		}
	}
	spec, ok := llm.Builtin(person.Service)
	if !ok {
		return "", runtime.Errorf(runtime.KindValidation, req.Node.ID,
			"person_job: unknown llm service %q", person.Service)
	}
	if key := os.Getenv(spec.APIKeyEnv); key != "" {
		return key, nil
	}
	if person.APIKeyID != "" {
		return "", runtime.Errorf(runtime.KindValidation, req.Node.ID,
			"person_job: api key %q not provided and %s is unset", person.APIKeyID, spec.APIKeyEnv)
	}
	return "", runtime.Errorf(runtime.KindValidation, req.Node.ID,
		"person_job: no api key for %s, set %s or pass one in", person.Service, spec.APIKeyEnv)
}

// renderPrompt picks first_only_prompt on the first iteration when present,
// otherwise default_prompt/prompt, and falls back to the default input when
// the node declares no prompt at all.
func renderPrompt(req *Request, execCount int) (string, error) {
	template := ""
	if execCount == 0 {
		template = stringProp(req.Props, "first_only_prompt")
	}
	if template == "" {
		template = stringProp(req.Props, "default_prompt")
	}
	if template == "" {
		template = stringProp(req.Props, "prompt")
	}
	if template == "" {
		if v, ok := req.Inputs[runtime.DefaultLabel]; ok {
			return stringifyInput(v), nil
		}
		return "", runtime.Errorf(runtime.KindValidation, req.Node.ID, "person_job: no prompt and no default input")
	}
	return substitutePlaceholders(template, req.Snapshot.Variables, req.Inputs), nil
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// substitutePlaceholders fills {{name}} markers from the given maps, later
// maps winning. Unknown names are left as written.
func substitutePlaceholders(template string, sources ...map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(tok string) string {
		name := placeholderRe.FindStringSubmatch(tok)[1]
		for i := len(sources) - 1; i >= 0; i-- {
			if v, ok := sources[i][name]; ok {
				return stringifyInput(v)
			}
		}
		return tok
	})
}

func forgetMode(props map[string]any) string {
	if m := stringProp(props, "forget_mode"); m != "" {
		return m
	}
	return stringProp(props, "context_cleaning_rule")
}

// parseModelJSON decodes the reply, repairing near-JSON (trailing commas,
// single quotes, fences) before giving up and returning the raw text.
func parseModelJSON(req *Request, text string) any {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		req.Log.Warn().Err(err).Msg("model reply is not repairable json, keeping raw text")
		return text
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		req.Log.Warn().Err(err).Msg("repaired model reply still not json, keeping raw text")
		return text
	}
	return v
}
