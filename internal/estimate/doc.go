// Package estimate implements the per-battery state estimators.
//
// The package provides:
//   - OCVCurve: open-circuit voltage to SOC lookup
//   - CoulombSOC: one step of coulomb counting
//   - SOCFilter: adaptive scalar Kalman filter fusing coulomb prediction
//     with a gated OCV measurement
//   - SOHFilter: scalar extended Kalman filter on effective capacity
//
// Current is signed positive while charging. Inputs are assumed finite;
// callers sanitize samples before they reach this package.
package estimate
