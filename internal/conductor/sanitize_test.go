package conductor

import "testing"

func TestSanitizeAssistantContentStripsThinkingTags(t *testing.T) {
	got := SanitizeAssistantContent("<thinking>internal musing</thinking>Hello there")
	if got != "Hello there" {
		t.Fatalf("expected thinking tag stripped, got %q", got)
	}
}

func TestSanitizeAssistantContentStripsFinalTags(t *testing.T) {
	got := SanitizeAssistantContent("<final>the answer is 4</final>")
	if got != "the answer is 4" {
		t.Fatalf("expected final tags removed, content kept, got %q", got)
	}
}

func TestSanitizeAssistantContentStripsEchoedSystemMessage(t *testing.T) {
	input := "[System Message]\nStats: 3 turns used\n\nActual reply to the user."
	got := SanitizeAssistantContent(input)
	if got != "Actual reply to the user." {
		t.Fatalf("expected system message block stripped, got %q", got)
	}
}

func TestSanitizeAssistantContentCollapsesDuplicateBlocks(t *testing.T) {
	input := "same paragraph\n\nsame paragraph\n\nnext paragraph"
	got := SanitizeAssistantContent(input)
	if got != "same paragraph\n\nnext paragraph" {
		t.Fatalf("expected duplicate paragraph collapsed, got %q", got)
	}
}

func TestIsSilentReplyExactToken(t *testing.T) {
	if !IsSilentReply("NO_REPLY") {
		t.Fatal("expected exact NO_REPLY token to be silent")
	}
	if !IsSilentReply("  NO_REPLY  ") {
		t.Fatal("expected whitespace-padded NO_REPLY to be silent")
	}
}

func TestIsSilentReplyRejectsPartialWordMatch(t *testing.T) {
	if IsSilentReply("NO_REPLYING to that today") {
		t.Fatal("expected NO_REPLY as a word prefix of a longer word to not match")
	}
}

func TestIsSilentReplyRejectsOrdinaryReply(t *testing.T) {
	if IsSilentReply("Sure, here's the answer.") {
		t.Fatal("expected an ordinary reply to not be treated as silent")
	}
}
