package broker

const defaultPrefix = "taskhub"

// Keys builds channel names under a common prefix.
type Keys struct {
	Prefix string
}

// NewKeys ...
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return Keys{Prefix: prefix}
}

// Worker is the notification channel of a target worker.
func (k Keys) Worker(targetWorker string) string {
	return k.Prefix + ":worker:" + targetWorker
}

// Events is the single channel carrying every published event.
func (k Keys) Events() string {
	return k.Prefix + ":events"
}
