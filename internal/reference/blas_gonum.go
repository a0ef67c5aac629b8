//go:build !(cgo && netlib)

package reference

// Backend names the BLAS implementation behind Gemm.
const Backend = "gonum"
