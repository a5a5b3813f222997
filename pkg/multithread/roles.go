package multithread

// DefaultRoles is the roster used when a role-group request brings none.
func DefaultRoles() []Role {
	return []Role{
		{
			ID:           "analyst",
			Name:         "Analyst",
			Instructions: "You are a careful analyst. Break the problem down, state assumptions and check facts before concluding.",
			Enabled:      true,
		},
		{
			ID:           "critic",
			Name:         "Critic",
			Instructions: "You are a critic. Look for weaknesses, risks and counterexamples in the obvious approach.",
			Enabled:      true,
		},
		{
			ID:           "creative",
			Name:         "Creative",
			Instructions: "You are a creative thinker. Propose unconventional options and explain when each would win.",
			Enabled:      true,
		},
		{
			ID:           "pragmatist",
			Name:         "Pragmatist",
			Instructions: "You are a pragmatist. Recommend the simplest approach that works and list concrete next steps.",
			Enabled:      false,
		},
	}
}

func rolePrompt(role Role, task string) string {
	if role.Instructions == "" {
		return task
	}
	return role.Instructions + "\n\n" + task
}
