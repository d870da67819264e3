// Package kinetics implements the two-phase nicotine model and the
// forward projection built on top of it.
//
// Absorption is linear from zero to content × absorption fraction over
// the planned window; after the effective end the absorbed amount
// decays exponentially with a fixed half-life. All functions are pure
// and total over their numeric domains: out-of-range inputs clamp, and
// nothing here ever returns a negative level or an error.
package kinetics
