// Package calibration turns raw LLM confidence into calibrated probabilities.
//
// Historical review outcomes (raw confidence, approved or not) are bucketed
// into ten 10%-wide bins. A Platt curve
//
//	P(approve|x) = 1 / (1 + exp(A*x + B))
//
// is fitted by weighted least squares of the bins' log-odds against their
// midpoints. With fewer than MinSamples outcomes there is no curve and
// CalibrateConfidence passes the raw value through, flagged uncalibrated.
//
// ComputeDerivedConfidence answers a separate question: the confidence of a
// fact backed by several evidence pointers. It takes the median pointer
// confidence, adds a corroboration bonus per extra independent source, and
// never exceeds the confidence of the model that proposed the fact.
//
// Recalibrator refits the curve periodically from stored outcomes.
package calibration
