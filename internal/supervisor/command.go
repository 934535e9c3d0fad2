package supervisor

import (
	"os"
	"sort"
)

// buildArgs returns the argument list for one start of spec's process and
// whether it resumes a prior session.
func buildArgs(opts *Options, spec *Spec, resume string) ([]string, bool) {
	args := append([]string(nil), opts.Args...)

	model := spec.Model
	if model == "" {
		model = opts.DefaultModel
	}
	if opts.ModelFlag != "" && model != "" {
		args = append(args, opts.ModelFlag, model)
	}
	if opts.PromptFlag != "" && spec.SystemPrompt != "" {
		args = append(args, opts.PromptFlag, spec.SystemPrompt)
	}

	resumed := resume != "" && opts.ResumeFlag != ""
	if resumed {
		args = append(args, opts.ResumeFlag, resume)
	}
	return args, resumed
}

// buildEnv layers the agent identity and configured extras over the
// daemon's environment. Later entries win for duplicate keys.
func buildEnv(opts *Options, spec *Spec) []string {
	name := spec.Name
	if name == "" {
		name = spec.AgentID
	}

	env := append(os.Environ(),
		"TERM=xterm-256color",
		"AGENT_CHAT_ID="+spec.AgentID,
		"AGENT_CHAT_NAME="+name,
		"CLAUDE_CODE_ENTRYPOINT=agent-chat",
	)

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+opts.Env[k])
	}
	return env
}
