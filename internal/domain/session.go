package domain

// ConnState is the lifecycle state of the client connection.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateClosing      ConnState = "CLOSING"
)

// ViewState is the lifecycle of one mounted chat view.
type ViewState string

const (
	ViewUninitialized  ViewState = "UNINITIALIZED"
	ViewLoadingHistory ViewState = "LOADING_HISTORY"
	ViewConnecting     ViewState = "CONNECTING"
	ViewConnected      ViewState = "CONNECTED"
	ViewReconnecting   ViewState = "RECONNECTING"
	ViewTornDown       ViewState = "TORN_DOWN"
)

// Live reports whether inbound messages render in this state.
func (s ViewState) Live() bool {
	return s == ViewConnected || s == ViewReconnecting
}
