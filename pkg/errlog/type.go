package errlog

// Code identifies an error class in the field log. Operators grep for
// "KER-<code>", so codes are never renumbered.
type Code string

const (
	CodeNoInternet Code = "001"
	CodeFTP        Code = "002"
	CodePort       Code = "005"
	CodeMeterComm  Code = "007"
	CodeGeneral    Code = "010"
	CodeSMS        Code = "011"
	CodeEmail      Code = "012"
	CodeMQTT       Code = "013"
	CodeDisconnect Code = "015"
	CodeStorage    Code = "016"
	CodeModbus     Code = "020"
	CodeRegister   Code = "021"
	CodeDecode     Code = "022"
	CodeRecord     Code = "025"
	CodeQueue      Code = "030"
	CodeDataLoss   Code = "031"
	CodeConfig     Code = "040"
)

var catalog = map[Code]string{
	CodeNoInternet: "No internet connection",
	CodeFTP:        "FTP transfer failure",
	CodePort:       "Serial port error",
	CodeMeterComm:  "Meter communication error",
	CodeGeneral:    "General system failure",
	CodeSMS:        "SMS delivery error",
	CodeEmail:      "Email delivery error",
	CodeMQTT:       "MQTT delivery error",
	CodeDisconnect: "Disconnect error",
	CodeStorage:    "Local storage error",
	CodeModbus:     "Modbus error",
	CodeRegister:   "Register read error",
	CodeDecode:     "Register decode error",
	CodeRecord:     "Record formatting error",
	CodeQueue:      "Pending queue error",
	CodeDataLoss:   "Pending record discarded",
	CodeConfig:     "Configuration error",
}

func (c Code) Description() string {
	if d, ok := catalog[c]; ok {
		return d
	}
	return "Unknown error"
}

// Reporter is what components log coded errors through.
type Reporter interface {
	LogError(code Code, context string)
}

// EventReporter is implemented by reporters that also keep a log of
// informational coded events, such as a storage volume appearing.
type EventReporter interface {
	LogEvent(code Code, context string)
}

// Notifier receives every emitted error message, e.g. to forward it
// as an operator alert.
type Notifier interface {
	Notify(message string)
}

type nopReporter struct{}

func (nopReporter) LogError(Code, string) {}

// Discard drops everything.
var Discard Reporter = nopReporter{}
