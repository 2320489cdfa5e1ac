package lib

// State is the position of a connection in the TCP state diagram.
type State uint8

const (
	StateNew State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateCloseWait
	StateFinWait1
	StateFinWait2
	StateClosing
	StateLastAck
	StateTimeWait
	StateClosed
	numStates
)

var stateNames = [numStates]string{
	StateNew:         "NEW",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRcvd:     "SYN_RCVD",
	StateEstablished: "ESTABLISHED",
	StateCloseWait:   "CLOSE_WAIT",
	StateFinWait1:    "FIN_WAIT_1",
	StateFinWait2:    "FIN_WAIT_2",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
	StateClosed:      "CLOSED",
}

func (s State) String() string {
	if s >= numStates {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// IsSynchronized reports whether both sides' sequence numbers are known.
func (s State) IsSynchronized() bool {
	return s >= StateEstablished && s <= StateTimeWait
}

// Flag constants
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength       = 20 //options not included
	TcpSynHeaderLength    = 24 // header plus the MSS option
	TcpPseudoHeaderLength = 12
	IpHeaderMaxLength     = 60

	// header field offsets
	offSrcPort  = 0
	offDstPort  = 2
	offSeq      = 4
	offAck      = 8
	offDataOff  = 12
	offFlags    = 13
	offWindow   = 14
	offChecksum = 16
	offUrgent   = 18
	offOptions  = 20

	optEnd    = 0
	optNop    = 1
	optMSS    = 2
	optMSSLen = 4

	maxWindow  = 0xffff
	defaultMSS = 536 // RFC 1122 4.2.2.6 when the peer sends no MSS option
)

// Poll event bits.
const (
	PollIn  = 1 << 0
	PollOut = 1 << 1
	PollErr = 1 << 2
	PollHup = 1 << 3
)

// ShutdownHow selects which half of a connection Shutdown closes.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

const (
	rttShift    = 3 // srtt is kept scaled by 8
	rttvarShift = 2 // rttvar is kept scaled by 4
)
