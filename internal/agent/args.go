package agent

// ArgOptions selects the variable parts of an agent command line.
type ArgOptions struct {
	Mode            Mode
	Model           string
	SkipPermissions bool
	ExtraArgs       []string
}

// BuildArgs assembles the agent arguments in a fixed order: default args,
// mode args, permission-skip args, then extra args. Modes without an entry
// contribute nothing. A model, when the spec has a ModelFlag, is appended
// to the default args, or after the mode args for subcommand-style modes.
func BuildArgs(spec Spec, opts ArgOptions) []string {
	args := make([]string, 0, len(spec.DefaultArgs)+len(opts.ExtraArgs)+4)
	args = append(args, spec.DefaultArgs...)

	var model []string
	if opts.Model != "" && spec.ModelFlag != "" {
		model = []string{spec.ModelFlag, opts.Model}
	}
	if !spec.ModeIsSubcommand {
		args = append(args, model...)
	}
	args = append(args, spec.ModeArgs[opts.Mode]...)
	if spec.ModeIsSubcommand {
		args = append(args, model...)
	}

	if opts.SkipPermissions {
		args = append(args, spec.SkipPermissionArgs...)
	}
	return append(args, opts.ExtraArgs...)
}
