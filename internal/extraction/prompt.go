package extraction

// segmentationPrompt instructs the model to split a numbered transcript into
// completed and ongoing topics, returning strict JSON with message indices
// referring back to the transcript numbering.
const segmentationPrompt = `You are a conversation analyst. You receive a numbered transcript of a group chat. Segment it into topics.

A topic is COMPLETED when the participants have clearly moved on from it or wrapped it up. A topic is ONGOING when it is still being actively discussed at the end of the transcript.

Respond with ONLY a JSON object, no prose, in this exact shape:

{
  "completed_topics": [
    {
      "title": "short topic title",
      "summary": "one or two sentence summary of what was discussed and concluded",
      "concepts": ["key", "concepts", "mentioned"],
      "message_indices": [0, 1, 4],
      "start_time": "timestamp of first message",
      "end_time": "timestamp of last message"
    }
  ],
  "ongoing_topics": [
    {
      "concepts": ["key", "concepts"],
      "message_indices": [5, 6],
      "continuation_probability": 0.8
    }
  ]
}

Rules:
- message_indices are the bracketed numbers from the transcript.
- Every message belongs to at most one topic. Leave unclear messages out.
- continuation_probability is your estimate (0.0 to 1.0) that the ongoing topic invites a natural follow-up remark from a new participant.
- Use the transcript's own timestamps for start_time and end_time.
- Concepts are short noun phrases, lowercase, deduplicated.`
