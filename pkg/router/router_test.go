package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opta-lmx/lmx/pkg/config"
	"github.com/opta-lmx/lmx/pkg/schema"
)

func scoreOf(scores map[string]float64) LoadScorer {
	return func(id string) float64 { return scores[id] }
}

func TestResolveReturnsLoadedRequestedIDUnchanged(t *testing.T) {
	r := New(config.RoutingConfig{}, nil)
	got, err := r.Resolve("model-a", []string{"model-a", "model-b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "model-a", got)
}

func TestResolveAutoPicksLeastLoaded(t *testing.T) {
	r := New(config.RoutingConfig{}, nil)
	scores := map[string]float64{"model-a": 3.0, "model-b": 1.0}
	got, err := r.Resolve("auto", []string{"model-a", "model-b"}, scoreOf(scores))
	require.NoError(t, err)
	assert.Equal(t, "model-b", got)
}

func TestResolveAutoWithNothingLoadedIsNotFound(t *testing.T) {
	r := New(config.RoutingConfig{}, nil)
	_, err := r.Resolve("auto", nil, nil)
	assert.Error(t, err)
}

func TestResolveAliasIteratesPreferenceListBreakingTiesByScore(t *testing.T) {
	routing := config.RoutingConfig{Aliases: map[string][]string{
		"code": {"model-a", "model-b"},
	}}
	r := New(routing, nil)
	scores := map[string]float64{"model-a": 2.0, "model-b": 0.5}

	got, err := r.Resolve("code", []string{"model-b"}, scoreOf(scores))
	require.NoError(t, err)
	assert.Equal(t, "model-b", got, "only model-b is loaded, so it wins regardless of score")

	got, err = r.Resolve("code", []string{"model-a", "model-b"}, scoreOf(scores))
	require.NoError(t, err)
	assert.Equal(t, "model-b", got, "model-b has the lower load score")
}

func TestResolveFallsThroughToDefaultModelThenToRequested(t *testing.T) {
	routing := config.RoutingConfig{DefaultModel: "model-default"}
	r := New(routing, nil)

	got, err := r.Resolve("unconfigured-alias", []string{"model-default"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "model-default", got)

	got, err = r.Resolve("unconfigured-alias", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "unconfigured-alias", got, "caller will 404 since this is not loaded")
}

func TestRouterResolvesAliasContributedByPresetRoutingAlias(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "a", ModelID: "model-a", RoutingAlias: "code"},
		{Name: "b", ModelID: "model-b", RoutingAlias: "code"},
	}
	r := New(config.RoutingConfig{}, presets)
	aliases := r.RoutingAliases()
	assert.Equal(t, []string{"model-a", "model-b"}, aliases["code"])

	got, err := r.Resolve("code", []string{"model-b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "model-b", got)
}

func TestAutoLoadModelsReturnsOnlyFlaggedPresets(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "a", ModelID: "model-a", AutoLoad: true},
		{Name: "b", ModelID: "model-b", AutoLoad: false},
		{Name: "c", ModelID: "model-c", AutoLoad: true},
	}
	r := New(config.RoutingConfig{}, presets)
	assert.Equal(t, []string{"model-a", "model-c"}, r.AutoLoadModels())
}

func TestApplyPresetReplacesModelAndFillsDefaults(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "fast", ModelID: "real-model-id", SamplingDefaults: map[string]any{"temperature": 0.2}},
	}
	r := New(config.RoutingConfig{}, presets)

	req := schema.ChatCompletionRequest{
		Model:    "preset:fast",
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
	}
	out, err := r.ApplyPreset(req)
	require.NoError(t, err)
	assert.Equal(t, "real-model-id", out.Model)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 0.2, *out.Temperature, 1e-9)
}

func TestApplyPresetExplicitRequestTemperatureWins(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "fast", ModelID: "real-model-id", SamplingDefaults: map[string]any{"temperature": 0.2}},
	}
	r := New(config.RoutingConfig{}, presets)
	explicit := 1.5

	req := schema.ChatCompletionRequest{
		Model:       "preset:fast",
		Messages:    []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
		Temperature: &explicit,
	}
	out, err := r.ApplyPreset(req)
	require.NoError(t, err)
	require.NotNil(t, out.Temperature)
	assert.InDelta(t, 1.5, *out.Temperature, 1e-9)
}

func TestApplyPresetPrependsSystemPromptWhenAbsent(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "fast", ModelID: "real-model-id", SystemPrompt: "Be concise."},
	}
	r := New(config.RoutingConfig{}, presets)

	req := schema.ChatCompletionRequest{
		Model:    "preset:fast",
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
	}
	out, err := r.ApplyPreset(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "Be concise.", out.Messages[0].Content.Text)
}

func TestApplyPresetSkipsSystemPromptWhenAlreadyPresent(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "fast", ModelID: "real-model-id", SystemPrompt: "Preset prompt."},
	}
	r := New(config.RoutingConfig{}, presets)

	req := schema.ChatCompletionRequest{
		Model: "preset:fast",
		Messages: []schema.ChatMessage{
			{Role: "system", Content: schema.MessageContent{Text: "User's own prompt."}},
			{Role: "user", Content: schema.MessageContent{Text: "hi"}},
		},
	}
	out, err := r.ApplyPreset(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "User's own prompt.", out.Messages[0].Content.Text)
}

func TestApplyPresetDoesNotMutateOriginalRequest(t *testing.T) {
	presets := []config.PresetConfig{
		{Name: "fast", ModelID: "real-model-id", SamplingDefaults: map[string]any{"temperature": 0.1}},
	}
	r := New(config.RoutingConfig{}, presets)

	req := schema.ChatCompletionRequest{
		Model:    "preset:fast",
		Messages: []schema.ChatMessage{{Role: "user", Content: schema.MessageContent{Text: "hi"}}},
	}
	_, err := r.ApplyPreset(req)
	require.NoError(t, err)
	assert.Equal(t, "preset:fast", req.Model)
	assert.Nil(t, req.Temperature)
}

func TestApplyPresetUnknownNameReturnsModelNotFoundError(t *testing.T) {
	r := New(config.RoutingConfig{}, nil)
	req := schema.ChatCompletionRequest{Model: "preset:nonexistent"}
	_, err := r.ApplyPreset(req)
	assert.Error(t, err)
}

func TestApplyPresetPassesThroughNonPresetModelUnchanged(t *testing.T) {
	r := New(config.RoutingConfig{}, nil)
	req := schema.ChatCompletionRequest{Model: "plain-model"}
	out, err := r.ApplyPreset(req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
}
