package consts

const (
	// SSEDataPrefix starts every server-sent event data line.
	SSEDataPrefix = "data: "

	// BroadcastChannelPrefix namespaces board events on Redis pub/sub. The
	// full channel is the prefix followed by the subscriber channel, e.g.
	// "board:project:42".
	BroadcastChannelPrefix = "board:"

	BoardKeyPrefix       = "board-snapshot:"
	BoardGenKeyPrefix    = "board-gen:"
	IdempotencyKeyPrefix = "idem:"
)
