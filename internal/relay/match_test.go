package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const claudeEchoFixture = `╭────────────────────────────────────────╮
│ ✻ Welcome to Claude Code!              │
╰────────────────────────────────────────╯

> refactor the payment   service so that
  retries use exponential backoff

● I'll start by reading the payment service.

╭────────────────────────────────────────╮
│                                        │
╰────────────────────────────────────────╯
  ? for shortcuts`

const claudeComposerFixture = `● Ready.

────────────────────────────────────────
> run the migration
────────────────────────────────────────
  ? for shortcuts`

const codexTruncatedFixture = `
› refactor the payment service…

  Working (3s • esc to interrupt)
`

func TestEchoAccepted(t *testing.T) {
	prompt := "refactor the payment service so that retries use exponential backoff"
	tests := []struct {
		name    string
		capture string
		want    bool
	}{
		{"wrapped echo with extra spaces", claudeEchoFixture, true},
		{"truncated echo", codexTruncatedFixture, true},
		{"heavy marker", "  ❯ refactor the payment service so that retries", true},
		{"still in input box", "│ refactor the payment service so that retries │", false},
		{"different prompt", "> explain the payment service", false},
		{"too short truncation", "> refac…", false},
		{"empty pane", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EchoAccepted(tt.capture, prompt, nil, DefaultNeedleLen, DefaultTailLines)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEchoAcceptedIgnoresComposer(t *testing.T) {
	assert.False(t, EchoAccepted(claudeComposerFixture, "run the migration", nil, DefaultNeedleLen, DefaultTailLines))

	submitted := "> run the migration\n\n● Running it now.\n\n" + strings.Replace(claudeComposerFixture, "> run the migration", ">", 1)
	assert.True(t, EchoAccepted(submitted, "run the migration", nil, DefaultNeedleLen, DefaultTailLines))
}

func TestComposerBounds(t *testing.T) {
	lines := strings.Split(claudeComposerFixture, "\n")
	top, bottom := composerBounds(lines)
	assert.Equal(t, 2, top)
	assert.Equal(t, 4, bottom)

	top, bottom = composerBounds([]string{"> hi", "───"})
	assert.Equal(t, -1, top)
	assert.Equal(t, -1, bottom)
	assert.False(t, isRuleLine("--- not a rule"))
	assert.True(t, isRuleLine("  ╰────╯ "))
}

func TestEchoAcceptedOnlyLooksAtTail(t *testing.T) {
	capture := "> deploy it\n" + strings.Repeat("log line\n", 50)
	assert.False(t, EchoAccepted(capture, "deploy it", nil, DefaultNeedleLen, DefaultTailLines))
	assert.True(t, EchoAccepted(capture, "deploy it", nil, DefaultNeedleLen, 100))
}

func TestEchoAcceptedCustomMarkers(t *testing.T) {
	assert.True(t, EchoAccepted("user: run tests", "run tests", []string{"user:"}, 0, 0))
	assert.False(t, EchoAccepted("> run tests", "run tests", []string{"user:"}, 0, 0))
}

func TestEchoAcceptedEmptyPrompt(t *testing.T) {
	assert.False(t, EchoAccepted("> ", "   ", nil, DefaultNeedleLen, DefaultTailLines))
}

func TestPromptNeedle(t *testing.T) {
	assert.Equal(t, "fix the tests", PromptNeedle("  fix\tthe\n\ntests ", 32))
	assert.Equal(t, "abcde", PromptNeedle("abcdefgh", 5))
	assert.Len(t, []rune(PromptNeedle(strings.Repeat("ö", 100), 0)), DefaultNeedleLen)
}

func TestIsSlashCommand(t *testing.T) {
	assert.True(t, IsSlashCommand("/help"))
	assert.True(t, IsSlashCommand("  /compact now"))
	assert.False(t, IsSlashCommand("use /tmp please"))
	assert.False(t, IsSlashCommand(""))
}

func TestSlashAccepted(t *testing.T) {
	tests := []struct {
		name     string
		baseline string
		capture  string
		want     bool
	}{
		{"consumed", "> /help", "Usage: claude [options]", true},
		{"still typed", "> /help", "> /help", false},
		{"baseline missed the text but pane changed", "> ", "Usage: claude [options]", true},
		{"baseline missed the text and nothing happened", "> ", "> ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlashAccepted(tt.baseline, tt.capture, "/help", DefaultTailLines))
		})
	}
}
