package capability

// Level grades how much of the voice pipeline is usable. Ordering matters:
// a larger value is a worse state, and within a session the level only moves
// upward until a successful health re-check recomputes it.
type Level int

const (
	// None means the full voice pipeline is available.
	None Level = iota

	// VoiceOnly means exactly one of STT/TTS is disabled. The variant says
	// which half is out.
	VoiceOnly

	// Minimal means both STT and TTS are disabled; the session is text-only.
	Minimal
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case VoiceOnly:
		return "voice-only"
	case Minimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// Variant narrows a [VoiceOnly] level to the half of the pipeline that is
// out.
type Variant int

const (
	// VariantNone applies to the None and Minimal levels.
	VariantNone Variant = iota

	// VariantNoAudioOutput means TTS is disabled: turns complete with reply
	// text and a nil audio handle.
	VariantNoAudioOutput

	// VariantNoAutoTurns means STT is disabled: caller speech cannot create
	// turns until the re-check succeeds.
	VariantNoAutoTurns
)

// String returns the human-readable name of the variant, empty for
// [VariantNone].
func (v Variant) String() string {
	switch v {
	case VariantNoAudioOutput:
		return "no-audio-output"
	case VariantNoAutoTurns:
		return "no-auto-turns"
	default:
		return ""
	}
}

// Degradation pairs a [Level] with its [VoiceOnly] variant.
type Degradation struct {
	Level   Level
	Variant Variant
}

// String renders the level and, for voice-only, the variant:
// "voice-only/no-audio-output".
func (d Degradation) String() string {
	if d.Level == VoiceOnly {
		return d.Level.String() + "/" + d.Variant.String()
	}
	return d.Level.String()
}

// Compute derives the degradation level from the state of the voice pair.
// The policy is deterministic:
//
//  1. STT and TTS both disabled → Minimal.
//  2. Exactly one disabled → VoiceOnly, with the variant naming the missing
//     half.
//  3. Both enabled → None.
//
// Vision and telephony never factor in; their outage surfaces through the
// blocked-operations list instead.
func Compute(sttEnabled, ttsEnabled bool) Degradation {
	switch {
	case !sttEnabled && !ttsEnabled:
		return Degradation{Level: Minimal}
	case !ttsEnabled:
		return Degradation{Level: VoiceOnly, Variant: VariantNoAudioOutput}
	case !sttEnabled:
		return Degradation{Level: VoiceOnly, Variant: VariantNoAutoTurns}
	default:
		return Degradation{Level: None}
	}
}
