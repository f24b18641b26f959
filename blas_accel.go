//go:build accelerate

package main

// #cgo darwin LDFLAGS: -framework Accelerate
// #cgo linux LDFLAGS: -lopenblas
import "C"
import (
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

// Routes every gonum matrix product through the system CBLAS when built
// with `-tags accelerate`.
func init() {
	blas64.Use(netlib.Implementation{})
}
