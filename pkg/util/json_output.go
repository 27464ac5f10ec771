package util

import (
	"encoding/json"
	"os"
)

// JSONOutput is the envelope cmd/etlrun's --json flag serializes instead of
// human-readable text: a success flag plus either the orchestrator's Result
// object or an error string.
type JSONOutput struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Result  any            `json:"result,omitempty"`
}

// PrintJSONError writes a failure envelope to stdout.
func PrintJSONError(err error) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(JSONOutput{Success: false, Error: err.Error()})
}

// PrintJSONSuccess writes a success envelope wrapping result to stdout.
func PrintJSONSuccess(result any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(JSONOutput{Success: true, Result: result})
}
