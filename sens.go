package chat

// sens wraps a loggable value so that safe mode can scrub it. Addresses and
// error detail go through here before they reach a log line.
func (broker *Broker) sens(value interface{}) interface{} {
	if broker.config.SafeMode {
		return "[REDACTED]"
	}

	return value
}
