package control

// Resolve merges a caller control with persona defaults. Each sub-group is taken
// whole: a caller group equal to its default instance is replaced by the persona's
// group, any other caller group is kept as-is.
func Resolve(user, persona TurnControl) TurnControl {
	out := user
	if user.Emotion.IsDefault() {
		out.Emotion = persona.Emotion
	}
	if user.Character.IsDefault() {
		out.Character = persona.Character
	}
	return out
}

// MergePending combines a stored pending update (base) with the control carried on
// the next user text (override). Override wins when non-default, then base, then
// the default instance.
func MergePending(base, override TurnControl) TurnControl {
	out := Default()
	switch {
	case !override.Emotion.IsDefault():
		out.Emotion = override.Emotion
	case !base.Emotion.IsDefault():
		out.Emotion = base.Emotion
	}
	switch {
	case !override.Character.IsDefault():
		out.Character = override.Character
	case !base.Character.IsDefault():
		out.Character = base.Character
	}
	return out
}
