package filecache

// flagWord is the 32-bit header flag word (spec §3's FLAGS_POS), a typed
// bitset rather than raw ints scattered through the coordinator.
type flagWord uint32

const (
	flagISSHADOWED   flagWord = 1 << 0
	flagISSAVED      flagWord = 1 << 1
	flagROWINFO      flagWord = 1 << 2
	flagVNew         flagWord = 1 << 3
	flagWrongVersion flagWord = 1 << 4
)

func (w flagWord) has(bit flagWord) bool {
	return w&bit != 0
}

func (w flagWord) with(bit flagWord, set bool) flagWord {
	if set {
		return w | bit
	}
	return w &^ bit
}
