package purchase

import "strings"

// ResultClass is the meaning of a gateway result code for the state machine.
type ResultClass int

const (
	// ResultAmbiguous leaves the transaction awaiting payment.
	ResultAmbiguous ResultClass = iota
	ResultSuccess
	ResultFailure
)

func (c ResultClass) String() string {
	switch c {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	default:
		return "ambiguous"
	}
}

// ResultCodeSuccess is the gateway's success sentinel.
const ResultCodeSuccess = "0"

// ResultCodeProcessing is returned by the status query while the customer has
// not yet answered the prompt.
const ResultCodeProcessing = "500.001.1001"

// failureCodes are definitive customer-side outcomes.
var failureCodes = map[string]string{
	"1":    "insufficient funds",
	"1001": "subscriber busy with another transaction",
	"1019": "transaction expired",
	"1026": "transaction rejected",
	"1032": "cancelled by user",
	"1036": "transaction rejected",
	"2001": "invalid PIN",
}

// ambiguousCodes are network or platform failures: the money may or may not
// have moved.
var ambiguousCodes = map[string]string{
	"17":                 "system internal error",
	"26":                 "system busy",
	"1025":               "push request error",
	"1037":               "user unreachable",
	"9999":               "push request error",
	ResultCodeProcessing: "transaction still processing",
}

// ClassifyResultCode maps a gateway result code to its class. Codes not in
// either table are ambiguous and left for reconciliation.
func ClassifyResultCode(code string) ResultClass {
	code = strings.TrimSpace(code)
	if code == ResultCodeSuccess {
		return ResultSuccess
	}
	if _, ok := failureCodes[code]; ok {
		return ResultFailure
	}
	return ResultAmbiguous
}

// DescribeResultCode returns a short label for logs and failure reasons.
func DescribeResultCode(code string) string {
	if code == ResultCodeSuccess {
		return "success"
	}
	if d, ok := failureCodes[code]; ok {
		return d
	}
	if d, ok := ambiguousCodes[code]; ok {
		return d
	}
	return "unrecognised result code"
}
