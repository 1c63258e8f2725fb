// Package aggregate turns the loaded response table into per-geography,
// per-day, per-signal summary statistics: it explodes rows across the
// geographic crosswalks, selects smoothing windows, computes weighted
// statistics per group, applies megacounty suppression at county level, and
// post-processes finished rows for export.
package aggregate
