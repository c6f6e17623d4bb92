package trainer

// learningRateAt returns the scheduled learning rate for a 1-based optimizer
// step: linear warmup from zero over warmupSteps, then linear decay to zero
// at totalSteps.
func learningRateAt(step, warmupSteps, totalSteps int, base float64) float64 {
	if step <= 0 {
		return 0
	}
	if warmupSteps > 0 && step <= warmupSteps {
		return base * float64(step) / float64(warmupSteps)
	}
	if step >= totalSteps {
		return 0
	}
	return base * float64(totalSteps-step) / float64(totalSteps-warmupSteps)
}
