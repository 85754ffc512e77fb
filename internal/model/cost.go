package model

import "time"

// MeanFunctionID is the reserved function id under which the mean cost of a
// configuration is persisted.
const MeanFunctionID = "__mean__"

// FunctionCostDocument is the persisted form of a function cost estimate
type FunctionCostDocument struct {
	Configuration  string    `json:"configuration"`
	FunctionID     string    `json:"function_id"`
	InvocationCost float64   `json:"invocation_cost"`
	DataInputCost  float64   `json:"data_input_cost"`
	DataOutputCost float64   `json:"data_output_cost"`
	LastUpdate     time.Time `json:"last_update"`
	// Version is assigned by the store on every write. Empty means the
	// document has never been stored.
	Version string `json:"version,omitempty"`
}
