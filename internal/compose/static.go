package compose

import "time"

var staticByBucket = map[Bucket][]Notification{
	Morning: {
		{Title: "Good morning", Body: "What's one thing you want to focus on today?", TopicReference: "daily intention"},
		{Title: "Fresh page", Body: "How did you sleep? Jot down how you feel this morning.", TopicReference: "sleep and mood"},
	},
	Afternoon: {
		{Title: "Midday check-in", Body: "How is your day going so far? Take a minute to write it down.", TopicReference: "day so far"},
		{Title: "Quick pause", Body: "What's taking most of your energy this afternoon?", TopicReference: "energy"},
	},
	Evening: {
		{Title: "Evening reflection", Body: "What went well today? Capture it before it fades.", TopicReference: "wins of the day"},
		{Title: "Wind down", Body: "Anything on your mind tonight? Your journal is listening.", TopicReference: "evening thoughts"},
	},
	Night: {
		{Title: "Before you sleep", Body: "One line about today is enough. How was it?", TopicReference: "one-line day"},
	},
}

// Static returns canned check-in content for the time of day. The label of
// the reminder, when set, becomes the title. Variants rotate by day.
func Static(now time.Time, label string) Notification {
	options := staticByBucket[BucketOf(now)]
	n := options[now.YearDay()%len(options)]
	if label != "" {
		n.Title = label
	}
	return n.Truncated()
}
