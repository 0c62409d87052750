package relay

import "strings"

// Step advances one target's poll state by one tick and returns the messages
// to send. current is the normalized capture, absent when capture failed.
// The returned state assumes every message is delivered.
func Step(st PollState, current Snapshot, maxLen int) (PollState, Classification, []Message) {
	class := DetectState(current, st.Previous, st.StableCount)
	st.LastClassification = class

	switch class {
	case Offline:
		// Previous and StableCount are left as they were.
		if !st.NotifiedWorking {
			return st, class, nil
		}
		st.NotifiedWorking = false
		return st, class, []Message{{Kind: KindSessionEnded, Text: MsgSessionEnded}}

	case Working:
		st.StableCount = 0
		st.Previous = current
		if st.NotifiedWorking {
			return st, class, nil
		}
		st.NotifiedWorking = true
		return st, class, []Message{{Kind: KindWorking, Text: MsgWorking}}
	}

	st.StableCount++
	st.Previous = current
	if st.StableCount != 1 || !st.NotifiedWorking {
		return st, class, nil
	}

	var msgs []Message
	content := strings.TrimSpace(current.Text)
	if content != "" && !(st.LastReported.Present && content == strings.TrimSpace(st.LastReported.Text)) {
		for _, text := range CompletionMessages(content, maxLen) {
			msgs = append(msgs, Message{Kind: KindCompleted, Text: text})
		}
	} else {
		msgs = append(msgs, Message{Kind: KindNoNewOutput, Text: MsgNoNewOutput})
	}
	st.LastReported = current
	st.NotifiedWorking = false
	return st, class, msgs
}
