package builtins

import "limitless/internal/strategy"

// Register adds every built-in strategy to r.
func Register(r *strategy.Registry, smaDays int) {
	r.Register(NewSMACross(smaDays))
	r.Register(NewInvertedHammer(DefaultHammerShape))
}
