package relay

// Device state codes reported by a relay in DBG_TAG_STATE when a
// command fails.
const (
	// TagStateOff means the tag reported itself off (battery loss or
	// reset). The coordinator force-closes the open session.
	TagStateOff = 0

	// TagStateNotFound means the relay could not find the tag on the
	// radio. Logged only; no state change.
	TagStateNotFound = -1
)

// Response is the JSON body returned by every relay command.
// Field presence depends on the command; SUCCESS is always present.
// All failures surface as SUCCESS=false, optionally with DBG_TAG_STATE.
//
// Data and Next are pointers so a "successful" body that omits them is
// distinguishable from legitimate zero values (offset 0 is a valid
// buffer position); the store rejects such bodies as malformed.
type Response struct {
	Success       bool    `json:"SUCCESS"`
	Timestamp     float64 `json:"Timestamp"`
	TimestampSend float64 `json:"Timestamp_send"`
	Pos           int64   `json:"Pos"`
	Data          *string `json:"Data"`
	Next          *int64  `json:"Next"`
	TagState      *int    `json:"DBG_TAG_STATE,omitempty"`
}

// DeviceOff reports whether the response carries the device-off state.
func (r Response) DeviceOff() bool {
	return r.TagState != nil && *r.TagState == TagStateOff
}

// DeviceNotFound reports whether the response carries the not-found state.
func (r Response) DeviceNotFound() bool {
	return r.TagState != nil && *r.TagState == TagStateNotFound
}

// SignalEntry is one signal-strength observation parsed from a relay's
// log archive: which tag the relay heard, when, and how loud.
type SignalEntry struct {
	TS   float64
	Host string
	Tag  string
	RSSI int
}
