package daemon

import (
	"time"

	"github.com/benaskins/lyceum/internal/classify"
	"github.com/benaskins/lyceum/internal/driver"
	"github.com/benaskins/lyceum/internal/events"
)

// relayOutput returns the callback that turns a process's output lines into
// relay events attributed to source. Noise goes to the console only.
func relayOutput(relay *events.Relay, c *classify.Classifier, source string) driver.OutputFunc {
	return func(stream events.Stream, line string) {
		res := c.Classify(stream, line)
		ev := events.LogEvent{
			Timestamp:      time.Now(),
			Source:         source,
			Stream:         stream,
			Classification: res.Classification,
			Text:           res.Text,
		}
		if res.Noise {
			relay.Echo(ev)
			return
		}
		relay.Log(ev)
	}
}

// note publishes a supervisor-generated line (not process output).
func note(relay *events.Relay, source string, class events.Classification, text string) {
	relay.Log(events.LogEvent{
		Source:         source,
		Stream:         events.Stderr,
		Classification: class,
		Text:           text,
	})
}
