package config

// ExpansionRule maps trigger substrings in the user text to a keyword
// expansion appended to the retrieval query. Rules are evaluated in
// order; the first rule with any matching trigger wins.
type ExpansionRule struct {
	Name      string   `mapstructure:"name" json:"name"`
	Triggers  []string `mapstructure:"triggers" json:"triggers"`
	Expansion string   `mapstructure:"expansion" json:"expansion"`
}

// FallbackExpansion is appended when no rule matches.
const FallbackExpansion = "brand documents, content strategy"

// DefaultExpansionRules returns the built-in rule table. Triggers are
// matched case-insensitively against the whitespace-collapsed user text.
func DefaultExpansionRules() []ExpansionRule {
	return []ExpansionRule{
		{
			Name:      "audience",
			Triggers:  []string{"who are my", "my niche", "potential clients", "target audience", "ideal client"},
			Expansion: "avatar sheet, ICP, ideal customer profile, demographics, psychographics",
		},
		{
			Name:      "tone",
			Triggers:  []string{"tone", "voice", "style", "how should i write"},
			Expansion: "brand tone, voice, writing style, brand identity, brand vision",
		},
		{
			Name:      "scripts",
			Triggers:  []string{"script", "hook", "cta", "storytelling", "video", "reel"},
			Expansion: "script structure, hook formulas, CTA, storytelling, retention",
		},
		{
			Name:      "carousel",
			Triggers:  []string{"carousel", "slides"},
			Expansion: "carousel rules, slide structure, headline",
		},
		{
			Name:      "content-strategy",
			Triggers:  []string{"content strategy", "weekly", "ideas", "content plan", "what to post"},
			Expansion: "content pillars, weekly planning, content calendar",
		},
		{
			Name:      "competitor",
			Triggers:  []string{"competitor", "rewrite", "in my voice"},
			Expansion: "competitor adaptation, brand voice rewrite",
		},
		{
			Name:      "personal",
			Triggers:  []string{"tell me about yourself", "your story", "about you", "who are you"},
			Expansion: "personal background, journey, transformation",
		},
		{
			Name:      "brand-general",
			Triggers:  []string{"brand", "identity", "philosophy", "positioning", "values"},
			Expansion: "brand identity, philosophy, mission, values",
		},
	}
}

// DefaultForceTriggers returns the substrings that force an
// internet_search tool invocation when found in the lowercased user text.
func DefaultForceTriggers() []string {
	return []string{
		"search for",
		"look up",
		"find information about",
		"what's the latest",
		"current news",
		"recent research",
		"latest statistics",
		"search:",
		"internet search",
		"search the web",
		"search online",
		"google",
	}
}

// defaultExpansionRuleMaps renders the default rules as generic maps for
// viper.SetDefault, so YAML overrides unmarshal into the same shape.
func defaultExpansionRuleMaps() []map[string]any {
	rules := DefaultExpansionRules()
	out := make([]map[string]any, 0, len(rules))
	for _, r := range rules {
		out = append(out, map[string]any{
			"name":      r.Name,
			"triggers":  r.Triggers,
			"expansion": r.Expansion,
		})
	}
	return out
}
