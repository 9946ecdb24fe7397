package engine

import "github.com/rendis/blockflow/pkg/schema"

// ErrorPolicy decides whether a block failure aborts the run. When it
// returns false the failure is logged, the block's outgoing edges become
// inactive and the run continues.
type ErrorPolicy interface {
	ShouldStop(block *schema.SerializedBlock, err error) bool
}

// ErrorPolicyFunc adapts a function to ErrorPolicy.
type ErrorPolicyFunc func(block *schema.SerializedBlock, err error) bool

// ShouldStop calls f.
func (f ErrorPolicyFunc) ShouldStop(block *schema.SerializedBlock, err error) bool {
	return f(block, err)
}

// StopOnError aborts on the first block failure. It is the default.
type StopOnError struct{}

// ShouldStop always returns true.
func (StopOnError) ShouldStop(*schema.SerializedBlock, error) bool { return true }
