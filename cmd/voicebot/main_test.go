package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/voicebot/internal/config"
	"github.com/teslashibe/voicebot/internal/log"
	"github.com/teslashibe/voicebot/pkg/gateway"
	"github.com/teslashibe/voicebot/pkg/inference"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/tts"
)

type staticResponder string

func (s staticResponder) Respond(context.Context, string) gateway.Outcome {
	return gateway.Outcome{Kind: gateway.KindOK, Text: string(s)}
}

type recordingSpeaker struct {
	texts []string
}

func (r *recordingSpeaker) Synthesize(_ context.Context, text string) (string, error) {
	r.texts = append(r.texts, text)
	return "audio_history/assistant_bye.mp3", nil
}

func newTestCoordinator(out *bytes.Buffer) *pipeline.Coordinator {
	return pipeline.New(pipeline.NewSession("cli"), pipeline.Deps{
		Responder: staticResponder("A hash map stores key/value pairs."),
		Sink:      pipeline.NewWriterSink(out),
	}, pipeline.Config{Logger: log.Discard()})
}

func TestRunChat(t *testing.T) {
	var out bytes.Buffer
	speaker := &recordingSpeaker{}
	in := strings.NewReader("What is a hash map?\n\nOk, exit now\nnever read\n")

	err := runChat(context.Background(), newTestCoordinator(&out), speaker, in, &out)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "You: What is a hash map?")
	assert.Contains(t, got, "Assistant: A hash map stores key/value pairs.")
	assert.Contains(t, got, "Assistant: Goodbye!")
	assert.Contains(t, got, "[audio: audio_history/assistant_bye.mp3]")
	assert.NotContains(t, got, "never read")
	assert.Equal(t, []string{"Goodbye!"}, speaker.texts)
}

func TestRunChatEndsAtEOF(t *testing.T) {
	var out bytes.Buffer
	err := runChat(context.Background(), newTestCoordinator(&out), nil, strings.NewReader("What is a stack?"), &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "You: What is a stack?")
	assert.NotContains(t, out.String(), "Goodbye!")
}

func TestIsExit(t *testing.T) {
	assert.True(t, isExit("exit"))
	assert.True(t, isExit("  EXIT! "))
	assert.True(t, isExit("please exit"))
	assert.False(t, isExit("exiting"))
	assert.False(t, isExit(""))
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", mask(""))
	assert.Equal(t, "****", mask("abc"))
	assert.Equal(t, "****wxyz", mask("secret-wxyz"))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestConfigInitAndShow(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("VOICEBOT_API_KEY", "")
	path := filepath.Join(t.TempDir(), "voicebot.toml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rate_limit_seconds = 2")
	assert.Contains(t, string(data), "[history]")

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err, "existing file is kept without --force")

	t.Setenv("VOICEBOT_API_KEY", "key-123456")
	out, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# from "+path)
	assert.Contains(t, out, "****3456")
	assert.NotContains(t, out, "key-123456")
}

func TestServeRequiresAPIKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("VOICEBOT_API_KEY", "")
	path := filepath.Join(t.TempDir(), "voicebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`provider = "gemini"`), 0o600))

	_, err := execute(t, "--config", path, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

func TestHistoryCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicebot.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
audio_dir = "`+filepath.ToSlash(filepath.Join(dir, "audio"))+`"

[history]
backend = "sqlite"
path = "`+filepath.ToSlash(filepath.Join(dir, "history.db"))+`"
`), 0o600))

	out, err := execute(t, "--config", path, "history", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No conversations saved.")

	_, err = execute(t, "--config", path, "history", "delete", "missing")
	assert.Error(t, err)

	_, err = execute(t, "--config", path, "history", "clear")
	assert.Error(t, err, "clear needs --yes")

	out, err = execute(t, "--config", path, "history", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "History cleared.")
}

func TestCompletionChain(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "gemini-key"

	p, err := newCompletionChain(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &inference.Gemini{}, p)
	require.NoError(t, p.Close())

	cfg.Fallback = config.FallbackConfig{Provider: config.ProviderOpenAI, APIKey: "openai-key"}
	p, err = newCompletionChain(&cfg)
	require.NoError(t, err)
	chain, ok := p.(*inference.Chain)
	require.True(t, ok)
	require.Len(t, chain.Providers(), 2)
	assert.IsType(t, &inference.Client{}, chain.Providers()[1])
	require.NoError(t, p.Close())
}

func TestSynthesisChain(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.APIKey = "gemini-key"

	cfg.TTS.Provider = config.ProviderNone
	p, err := newSynthesisChain(ctx, &cfg)
	require.NoError(t, err)
	assert.Nil(t, p)

	cfg.TTS.Provider = config.ProviderOpenAI
	cfg.TTS.APIKey = "openai-key"
	p, err = newSynthesisChain(ctx, &cfg)
	require.NoError(t, err)
	assert.IsType(t, &tts.OpenAI{}, p)

	cfg.TTS.Fallback = "espeak"
	p, err = newSynthesisChain(ctx, &cfg)
	require.NoError(t, err, "a broken fallback keeps the primary")
	assert.IsType(t, &tts.OpenAI{}, p)
}
