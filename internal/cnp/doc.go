// Package cnp derives charge-neutrality points from gate-voltage sweeps and
// aligns them around stress events.
//
// The package works on datasetapi tables and sweeps only. Loading raw files,
// persisting results and rendering reports live elsewhere.
package cnp
