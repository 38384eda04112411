package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level,
// the agent's persona, and the session policy tunables. Provider, memory,
// and MCP changes require a restart and are deliberately ignored here.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when any field of Agent is set.
	AgentChanged bool
	Agent        AgentDiff

	// SessionChanged is true when any session policy value differs. New
	// sessions pick up the new policy; running sessions keep the old one.
	SessionChanged bool
}

// AgentDiff describes which parts of the agent persona changed.
type AgentDiff struct {
	Renamed             bool
	InstructionsChanged bool
	VoiceChanged        bool
	VocabularyChanged   bool
	EndPhrasesChanged   bool
}

func (d AgentDiff) any() bool {
	return d.Renamed || d.InstructionsChanged || d.VoiceChanged ||
		d.VocabularyChanged || d.EndPhrasesChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Agent = diffAgent(old.Agent, new.Agent)
	d.AgentChanged = d.Agent.any()

	if old.Session != new.Session {
		d.SessionChanged = true
	}

	return d
}

func diffAgent(old, new AgentConfig) AgentDiff {
	return AgentDiff{
		Renamed:             old.Name != new.Name,
		InstructionsChanged: old.Instructions != new.Instructions,
		VoiceChanged:        old.Voice != new.Voice,
		VocabularyChanged:   !slices.Equal(old.Vocabulary, new.Vocabulary),
		EndPhrasesChanged:   !slices.Equal(old.EndPhrases, new.EndPhrases),
	}
}
