// Package fix implements the FIX 4.4 acceptor: wire codec, per-connection
// framing, session state machines, and the quote/order application layer.
package fix

// SOH delimits tag=value fields on the wire.
const SOH = byte(0x01)

// Tags used across the engine.
const (
	TagBeginString         = 8
	TagBodyLength          = 9
	TagCheckSum            = 10
	TagClOrdID             = 11
	TagCumQty              = 14
	TagExecID              = 17
	TagMsgSeqNum           = 34
	TagMsgType             = 35
	TagOrderID             = 37
	TagOrderQty            = 38
	TagOrdStatus           = 39
	TagPrice               = 44
	TagRefSeqNum           = 45
	TagSenderCompID        = 49
	TagSendingTime         = 52
	TagSide                = 54
	TagSymbol              = 55
	TagText                = 58
	TagTransactTime        = 60
	TagValidUntilTime      = 62
	TagAvgPx               = 6
	TagBeginSeqNo          = 7
	TagEndSeqNo            = 16
	TagEncryptMethod       = 98
	TagHeartBtInt          = 108
	TagTestReqID           = 112
	TagQuoteID             = 117
	TagGapFillFlag         = 123
	TagNewSeqNo            = 36
	TagQuoteReqID          = 131
	TagBidPx               = 132
	TagOfferPx             = 133
	TagResetSeqNumFlag     = 141
	TagNoRelatedSym        = 146
	TagExecType            = 150
	TagLeavesQty           = 151
	TagSecurityReqID       = 320
	TagSecurityResponseID  = 322
	TagRefMsgType          = 372
	TagSessionRejectReason = 373
	TagBusinessRejectRefID = 379
	TagBusinessRejectReason = 380
	TagQuoteType           = 537
	TagPassword            = 554
	TagSecurityRequestResult = 560
)

// Message types.
const (
	MsgTypeHeartbeat           = "0"
	MsgTypeTestRequest         = "1"
	MsgTypeResendRequest       = "2"
	MsgTypeReject              = "3"
	MsgTypeSequenceReset       = "4"
	MsgTypeLogout              = "5"
	MsgTypeExecutionReport     = "8"
	MsgTypeLogon               = "A"
	MsgTypeNewOrderSingle      = "D"
	MsgTypeQuote               = "S"
	MsgTypeQuoteRequest        = "R"
	MsgTypeQuoteCancel         = "Z"
	MsgTypeBusinessReject      = "j"
	MsgTypeSecurityListRequest = "x"
	MsgTypeSecurityList        = "y"
)

// Supported protocol versions.
const (
	VersionFIX44  = "FIX.4.4"
	VersionFIXT11 = "FIXT.1.1"
)

// Side values (tag 54).
const (
	SideBuy  = "1"
	SideSell = "2"
)

// OrdStatus values (tag 39).
const (
	OrdStatusFilled   = "2"
	OrdStatusRejected = "8"
)

// ExecType values (tag 150).
const (
	ExecTypeTrade    = "F"
	ExecTypeRejected = "8"
)

// SessionRejectReason values (tag 373).
const (
	RejectReasonRequiredTagMissing = "1"
	RejectReasonCompIDProblem      = "9"
	RejectReasonInvalidMsgType     = "11"
	RejectReasonOther              = "99"
)

// BusinessRejectReason 3: unsupported message type.
const BusinessRejectUnsupportedMsgType = "3"

// QuoteType 1: tradeable.
const QuoteTypeTradeable = "1"
