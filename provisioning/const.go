package provisioning

// provisioning PDU types
const (
	pduInvite        = 0x00
	pduCapabilities  = 0x01
	pduStart         = 0x02
	pduPublicKey     = 0x03
	pduInputComplete = 0x04
	pduConfirmation  = 0x05
	pduRandom        = 0x06
	pduData          = 0x07
	pduComplete      = 0x08
	pduFailed        = 0x09
)

// Provisioning Failed error codes
const (
	ReasonProhibited            = 0x00
	ReasonInvalidPDU            = 0x01
	ReasonInvalidFormat         = 0x02
	ReasonUnexpectedPDU         = 0x03
	ReasonConfirmationFailed    = 0x04
	ReasonOutOfResources        = 0x05
	ReasonDecryptionFailed      = 0x06
	ReasonUnexpectedError       = 0x07
	ReasonCannotAssignAddresses = 0x08
)

var failedReason = []string{
	"prohibited",
	"invalid pdu",
	"invalid format",
	"unexpected pdu",
	"confirmation failed",
	"out of resources",
	"decryption failed",
	"unexpected error",
	"cannot assign addresses",
}

func reasonString(r byte) string {
	if int(r) < len(failedReason) {
		return failedReason[r]
	}
	return "reserved"
}

// authentication methods
const (
	AuthNoOOB     = 0x00
	AuthStaticOOB = 0x01
	AuthOutputOOB = 0x02
	AuthInputOOB  = 0x03
)

// output OOB actions, as bits of Capabilities.OutputOOBAction and as the
// index in Start.AuthAction
const (
	ActionBlink        = 0
	ActionBeep         = 1
	ActionVibrate      = 2
	ActionNumeric      = 3
	ActionAlphanumeric = 4
)

const (
	AlgorithmP256 = 0x0001

	sizeKey          = 16
	sizeCapabilities = 11
	sizeStart        = 5
	sizeConfirmation = 16
	sizeRandom       = 16
	sizeData         = 25
	sizeDataMIC      = 8
)

const (
	labelConfirmationKey = "prck"
	labelSessionKey      = "prsk"
	labelSessionNonce    = "prsn"
	labelDeviceKey       = "prdk"
)
