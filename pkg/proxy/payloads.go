package proxy

// sideChannelVia tags every event this proxy emits, regardless of the
// integration name it registered under.
const sideChannelVia = "intercept-proxy"

// SideEvent is the frame pushed into the Intermediary; the broker fans it
// out to watchers as an integration message.
type SideEvent struct {
	Event   string `json:"event"`
	Via     string `json:"via"`
	Details any    `json:"details"`
}

// ObservationDetails describe one matched command on a proxied stream.
type ObservationDetails struct {
	Client       string `json:"client"`        // remote address of the proxied client
	FirstCommand string `json:"first_command"` // the matched command value
	Snippet      any    `json:"snippet"`       // the frame's data field when it is an object, list, or string
}

// DisconnectDetails accompany the teardown event for a proxied stream.
type DisconnectDetails struct {
	Client string `json:"client"`
}
