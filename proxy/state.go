package proxy

// State is the position of a client connection in its request cycle.
type State int32

const (
	StateAwaitingRequestLine State = iota
	StateReadingHeaders
	StateReadingBody
	StateRequestComplete
	StateTLSUpgrading
	StateForwarding
	StateAwaitingResponse
	StateResponseComplete
	StateWritingBack
	StateClosed
)

var stateNames = [...]string{
	StateAwaitingRequestLine: "awaiting-request-line",
	StateReadingHeaders:      "reading-headers",
	StateReadingBody:         "reading-body",
	StateRequestComplete:     "request-complete",
	StateTLSUpgrading:        "tls-upgrading",
	StateForwarding:          "forwarding",
	StateAwaitingResponse:    "awaiting-response",
	StateResponseComplete:    "response-complete",
	StateWritingBack:         "writing-back",
	StateClosed:              "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// idle reports whether a connection in this state can be closed without
// losing an exchange.
func (s State) idle() bool {
	return s == StateAwaitingRequestLine || s == StateClosed
}
