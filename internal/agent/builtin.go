package agent

// Built-in agent identifiers.
const (
	Claude   = "claude"
	Codex    = "codex"
	Gemini   = "gemini"
	OpenCode = "opencode"
)

// aliases map long-form identifiers to built-in ones.
var aliases = map[string]string{
	"claude-code": Claude,
	"codex-cli":   Codex,
	"gemini-cli":  Gemini,
}

// Builtins returns fresh copies of the built-in agent specs.
func Builtins() []Spec {
	return []Spec{
		{
			ID:          Claude,
			DisplayName: "Claude Code",
			Invocation:  PathCommand{Name: "claude"},
			Package:     "@anthropic-ai/claude-code",
			ModeArgs: map[Mode][]string{
				ModeContinue: {"-c"},
				ModeResume:   {"-r"},
			},
			SkipPermissionArgs: []string{"--dangerously-skip-permissions"},
			SkipPermissionEnv:  map[string]string{"IS_SANDBOX": "1"},
			ModelFlag:          "--model",
			Models:             []string{"opus", "sonnet", "haiku"},
		},
		{
			ID:          Codex,
			DisplayName: "Codex",
			Invocation:  PathCommand{Name: "codex"},
			Package:     "@openai/codex",
			ModeArgs: map[Mode][]string{
				ModeContinue: {"resume", "--last"},
				ModeResume:   {"resume"},
			},
			SkipPermissionArgs: []string{"--dangerously-bypass-approvals-and-sandbox"},
			ModelFlag:          "--model",
			ModeIsSubcommand:   true,
		},
		{
			ID:          Gemini,
			DisplayName: "Gemini CLI",
			Invocation:  PathCommand{Name: "gemini"},
			Package:     "@google/gemini-cli",
			ModeArgs: map[Mode][]string{
				ModeContinue: {"-r", "latest"},
				ModeResume:   {"-r"},
			},
			SkipPermissionArgs: []string{"-y"},
			ModelFlag:          "-m",
		},
		{
			ID:          OpenCode,
			DisplayName: "OpenCode",
			Invocation:  PathCommand{Name: "opencode"},
			Package:     "opencode-ai",
			ModeArgs: map[Mode][]string{
				ModeContinue: {"-c"},
			},
			ModelFlag: "--model",
		},
	}
}
