package c4chat

// transcript is the ordered message list of the active conversation.
//
// While a history fetch is in flight the transcript is loading: live
// deliveries are shown immediately and also remembered, so that they can be
// re-applied on top of the fetched history instead of being overwritten.
type transcript struct {
	messages []Message
	seen     map[string]struct{}
	loading  bool
	live     []Message

	// version increases with every mutation, across resets.
	version uint64
}

func newTranscript() transcript {
	return transcript{seen: make(map[string]struct{})}
}

// reset empties the transcript and enters the loading state.
func (t *transcript) reset() {
	t.messages = nil
	t.seen = make(map[string]struct{})
	t.loading = true
	t.live = nil
	t.version++
}

// clear empties the transcript without waiting for history.
func (t *transcript) clear() {
	v := t.version
	*t = newTranscript()
	t.version = v + 1
}

// append adds m unless its ID is already present. It reports whether m was
// added.
func (t *transcript) append(m Message) bool {
	if m.ID != "" {
		if _, dup := t.seen[m.ID]; dup {
			return false
		}
		t.seen[m.ID] = struct{}{}
	}
	t.messages = append(t.messages, m)
	if t.loading {
		t.live = append(t.live, m)
	}
	t.version++
	return true
}

// settle replaces the transcript with history, then re-applies live
// arrivals that history does not already contain. A live message is matched
// by ID first, then by content against history entries that carry no ID;
// each such entry absorbs at most one live message.
func (t *transcript) settle(history []Message) {
	messages := make([]Message, 0, len(history)+len(t.live))
	seen := make(map[string]struct{}, len(history))
	var unkeyed []Message
	for _, m := range history {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		} else {
			unkeyed = append(unkeyed, m)
		}
		messages = append(messages, m)
	}

	for _, m := range t.live {
		if m.ID != "" {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
		}
		if i := indexContent(unkeyed, m); i >= 0 {
			unkeyed = append(unkeyed[:i:i], unkeyed[i+1:]...)
			continue
		}
		messages = append(messages, m)
	}

	t.messages = messages
	t.seen = seen
	t.loading = false
	t.live = nil
	t.version++
}

// abandon leaves the loading state after a failed fetch, keeping whatever
// arrived live.
func (t *transcript) abandon() {
	t.loading = false
	t.live = nil
	t.version++
}

func (t *transcript) snapshot() []Message {
	return append([]Message(nil), t.messages...)
}

func indexContent(list []Message, m Message) int {
	for i, o := range list {
		if o.sameContent(m) {
			return i
		}
	}
	return -1
}
