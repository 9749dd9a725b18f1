package models

// CompletedTopic is a segment of conversation the extraction step judged to
// be finished. Its utterances can be marked processed and the topic itself
// becomes a TopicMemory.
type CompletedTopic struct {
	Title      string
	Summary    string
	Concepts   []string
	MessageIDs []string
	StartTime  string
	EndTime    string
}

// OngoingTopic is a segment still in flight. Its utterances stay in the
// queue, and ContinuationProbability feeds the reply gate. A probability the
// extractor failed to supply is recorded as 0 so unlabeled topics never
// trigger a proactive reply.
type OngoingTopic struct {
	Concepts                []string
	MessageIDs              []string
	ContinuationProbability float64
}

// TopicBatch is the result of one extraction call over a message window.
type TopicBatch struct {
	Completed []CompletedTopic
	Ongoing   []OngoingTopic
}

// Empty reports whether extraction produced no usable topics at all.
func (b *TopicBatch) Empty() bool {
	return b == nil || (len(b.Completed) == 0 && len(b.Ongoing) == 0)
}
