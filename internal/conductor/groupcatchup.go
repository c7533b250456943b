package conductor

import "github.com/nextlevelbuilder/goclaw/internal/providers"

// sliceGroupCatchup implements spec.md §4.3's group-catch-up slicing: find
// the most recent assistant message, take from there to the end, and cap
// the result at maxEntries. In a multi-party room the agent only needs to
// see what has happened since it last spoke. It returns the trimmed working
// slice plus the prefix that was cut off, so the caller can re-prepend the
// prefix before persisting (only the agent's in-memory view is trimmed; the
// tape on disk is never shortened).
func sliceGroupCatchup(tape []providers.Message, maxEntries int) (prefix, working []providers.Message) {
	lastAssistant := -1
	for i := len(tape) - 1; i >= 0; i-- {
		if tape[i].Role == "assistant" {
			lastAssistant = i
			break
		}
	}

	var slice []providers.Message
	var cutAt int
	if lastAssistant == -1 {
		slice = tape
		cutAt = 0
	} else {
		slice = tape[lastAssistant:]
		cutAt = lastAssistant
	}

	if maxEntries > 0 && len(slice) > maxEntries {
		overflow := len(slice) - maxEntries
		cutAt += overflow
		slice = slice[overflow:]
	}

	return tape[:cutAt], slice
}
