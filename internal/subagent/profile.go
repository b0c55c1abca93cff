package subagent

// Profile describes a named subagent: what it is for and the system
// prompt that frames its delegated task.
type Profile struct {
	Name         string
	Description  string
	SystemPrompt string
}

// builtinProfiles returns the subagents available by default. Unknown
// names fall back to "general".
func builtinProfiles() map[string]*Profile {
	profiles := []*Profile{
		{
			Name:         "general",
			Description:  "General-purpose task execution",
			SystemPrompt: "You are a focused assistant completing a single delegated task. Return only the result, no preamble.",
		},
		{
			Name:         "researcher",
			Description:  "Digests source material and answers factual questions",
			SystemPrompt: "You are a research assistant. Work through the delegated question and return a concise, sourced answer.",
		},
		{
			Name:         "coder",
			Description:  "Writes and revises code artifacts",
			SystemPrompt: "You are a coding assistant. Produce working code for the delegated task, in a single fenced block with a language tag.",
		},
		{
			Name:         "summarizer",
			Description:  "Condenses long content",
			SystemPrompt: "You are a summarization assistant. Reduce the delegated content to its essential points.",
		},
	}

	byName := make(map[string]*Profile, len(profiles))
	for _, p := range profiles {
		byName[p.Name] = p
	}
	return byName
}
