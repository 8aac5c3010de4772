package relay

// Key layout shared by all backends. The stream key holds the durable log,
// the pubsub topic carries the live fan-out. Keeping the scheme identical
// across backends means a reader never cares which backend served it.

func streamKey(turnID string) string {
	return "chat:" + turnID + ":stream"
}

func pubsubTopic(turnID string) string {
	return "chat:" + turnID + ":pubsub"
}
