// Package router implements the Task Router: resolving a request's
// requested model (a loaded ID, "auto", a configured alias, or a
// "preset:name" reference) to a concrete loaded model ID, and applying
// preset defaults to a chat completion request before it reaches the
// engine.
//
// Grounded on original_source's router/presets resolution logic
// (opta_lmx.presets.manager.PresetManager and the inference router's
// alias/auto resolution) — reproduced here as a pure function of its
// inputs, consuming pkg/concurrency.LoadSnapshot.Score() for the
// "least loaded" tie-breaker rather than reimplementing it.
package router

import (
	"sort"
	"strings"

	"github.com/opta-lmx/lmx/pkg/config"
	"github.com/opta-lmx/lmx/pkg/lmxerr"
	"github.com/opta-lmx/lmx/pkg/schema"
)

// LoadScorer reports a candidate model's current load score, lower is
// less loaded. pkg/concurrency.Controller.ModelLoad(id).Score() satisfies
// this.
type LoadScorer func(modelID string) float64

// Router resolves request model references against a RoutingConfig and a
// set of configured presets. It holds no mutable state of its own besides
// its configuration — Resolve and ApplyPreset mutate nothing they are
// handed.
type Router struct {
	routing config.RoutingConfig
	presets map[string]config.PresetConfig
}

// New builds a Router from the routing alias table and the configured
// presets, indexed by name.
func New(routing config.RoutingConfig, presets []config.PresetConfig) *Router {
	byName := make(map[string]config.PresetConfig, len(presets))
	for _, p := range presets {
		byName[p.Name] = p
	}
	return &Router{routing: routing, presets: byName}
}

// Preset looks up a preset by name.
func (r *Router) Preset(name string) (config.PresetConfig, bool) {
	p, ok := r.presets[name]
	return p, ok
}

// Presets returns every configured preset, sorted by name.
func (r *Router) Presets() []config.PresetConfig {
	out := make([]config.PresetConfig, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoutingAliases merges the configured routing_aliases with any alias a
// preset contributes via its own routing_alias field, mirroring
// get_routing_aliases grouping every preset sharing an alias under it.
func (r *Router) RoutingAliases() map[string][]string {
	merged := map[string][]string{}
	for alias, prefs := range r.routing.Aliases {
		merged[alias] = append(merged[alias], prefs...)
	}
	for _, name := range sortedPresetNames(r.presets) {
		p := r.presets[name]
		if p.RoutingAlias == "" {
			continue
		}
		merged[p.RoutingAlias] = append(merged[p.RoutingAlias], p.ModelID)
	}
	return merged
}

func sortedPresetNames(presets map[string]config.PresetConfig) []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AutoLoadModels returns every preset-contributed model ID marked
// auto_load, mirroring get_auto_load_models.
func (r *Router) AutoLoadModels() []string {
	var out []string
	for _, name := range sortedPresetNames(r.presets) {
		p := r.presets[name]
		if p.AutoLoad {
			out = append(out, p.ModelID)
		}
	}
	return out
}

// Resolve implements resolve(requested, loaded_ids, model_load_snapshot) ->
// model_id:
//   - requested equal to a loaded ID returns it unchanged.
//   - requested == "auto" returns the loaded ID with the lowest load score;
//     with nothing loaded, returns KindModelNotFound for the caller to
//     surface as 404.
//   - requested matching a configured alias (routing config or a preset's
//     routing_alias) iterates its preference list, returning the first
//     loaded entry, ties broken by lowest load score.
//   - otherwise, if the default model is loaded, returns it.
//   - otherwise falls through to requested verbatim — the caller 404s if
//     it isn't loaded.
//
// Resolve is a pure function: it reads loaded and score but mutates
// neither.
func (r *Router) Resolve(requested string, loaded []string, score LoadScorer) (string, error) {
	loadedSet := make(map[string]bool, len(loaded))
	for _, id := range loaded {
		loadedSet[id] = true
	}

	if loadedSet[requested] {
		return requested, nil
	}

	if requested == "auto" {
		best, ok := leastLoaded(loaded, score)
		if !ok {
			return "", lmxerr.New(lmxerr.KindModelNotFound, "no model loaded to resolve \"auto\" against")
		}
		return best, nil
	}

	if prefs, ok := r.aliasPreferences(requested); ok {
		if best, ok := leastLoadedAmong(prefs, loadedSet, score); ok {
			return best, nil
		}
	}

	if r.routing.DefaultModel != "" && loadedSet[r.routing.DefaultModel] {
		return r.routing.DefaultModel, nil
	}

	return requested, nil
}

func (r *Router) aliasPreferences(alias string) ([]string, bool) {
	if prefs, ok := r.routing.Aliases[alias]; ok {
		return prefs, true
	}
	aliases := r.RoutingAliases()
	prefs, ok := aliases[alias]
	return prefs, ok
}

// leastLoaded picks the lowest-scoring entry of candidates, ties broken by
// the earliest candidate in iteration order (stable, since candidates is
// already ordered by preference or by the caller's loaded-ID listing).
func leastLoaded(candidates []string, score LoadScorer) (string, bool) {
	set := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		set[c] = true
	}
	return leastLoadedAmong(candidates, set, score)
}

func leastLoadedAmong(prefs []string, loaded map[string]bool, score LoadScorer) (string, bool) {
	best := ""
	bestScore := 0.0
	found := false
	for _, id := range prefs {
		if !loaded[id] {
			continue
		}
		s := 0.0
		if score != nil {
			s = score(id)
		}
		if !found || s < bestScore {
			best, bestScore, found = id, s, true
		}
	}
	return best, found
}

// presetName strips the "preset:" prefix from a request's model field.
func presetName(requestedModel string) string {
	return strings.TrimPrefix(requestedModel, "preset:")
}

// ApplyPreset resolves req.Model's "preset:name" reference against the
// router's configured presets and returns a new request with: the model
// replaced by the preset's real model ID, preset sampling defaults filled
// in wherever the request left them unset, and the preset's system prompt
// prepended when the request has no system message of its own. The
// original request is never mutated, mirroring apply's copy-on-write
// contract.
func (r *Router) ApplyPreset(req schema.ChatCompletionRequest) (schema.ChatCompletionRequest, error) {
	if !strings.HasPrefix(req.Model, "preset:") {
		return req, nil
	}
	name := presetName(req.Model)
	preset, ok := r.presets[name]
	if !ok {
		return schema.ChatCompletionRequest{}, lmxerr.New(lmxerr.KindModelNotFound, "unknown preset \""+name+"\"").WithParam("model")
	}

	out := req
	out.Model = preset.ModelID
	out.Messages = append([]schema.ChatMessage(nil), req.Messages...)

	applySamplingDefaults(&out, preset.SamplingDefaults)

	if preset.SystemPrompt != "" && !hasSystemMessage(out.Messages) {
		systemMsg := schema.ChatMessage{Role: "system", Content: schema.MessageContent{Text: preset.SystemPrompt}}
		out.Messages = append([]schema.ChatMessage{systemMsg}, out.Messages...)
	}

	return out, nil
}

func hasSystemMessage(messages []schema.ChatMessage) bool {
	for _, m := range messages {
		if m.Role == "system" {
			return true
		}
	}
	return false
}

// applySamplingDefaults fills unset request sampling fields from the
// preset's defaults map; explicit request values always win.
func applySamplingDefaults(req *schema.ChatCompletionRequest, defaults map[string]any) {
	if req.Temperature == nil {
		if v, ok := floatField(defaults, "temperature"); ok {
			req.Temperature = &v
		}
	}
	if req.TopP == nil {
		if v, ok := floatField(defaults, "top_p"); ok {
			req.TopP = &v
		}
	}
	if req.MaxTokens == nil {
		if v, ok := intField(defaults, "max_tokens"); ok {
			req.MaxTokens = &v
		}
	}
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func intField(m map[string]any, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
