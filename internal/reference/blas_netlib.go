//go:build cgo && netlib

package reference

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("reference: using netlib BLAS")
}

// Backend names the BLAS implementation behind Gemm.
const Backend = "netlib"
