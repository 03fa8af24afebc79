// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import "github.com/pkg/errors"

// Status codes returned by the runtime entry points. 0 is success. Codes from
// failing user callbacks pass through ParFor verbatim, so embedders should
// keep their own codes disjoint from these when they care to tell them apart.
const (
	StatusOK int32 = 0

	// CodeGeneric is an internal failure with no more specific category.
	CodeGeneric int32 = 1

	// CodeBinding means a device operation needed a resolvable device
	// interface and none was available or consistent.
	CodeBinding int32 = 2

	// CodeState means the operation is invalid for the descriptor's current
	// allocation or dirty state.
	CodeState int32 = 3

	// CodeResource means an allocation failed or a budget was exhausted.
	CodeResource int32 = 4
)

// Sentinel categories. Wrap them (errors.Wrapf / errors.WithMessagef) to
// carry detail; CodeOf maps anything in their chain back to the status code.
var (
	ErrBinding  = errors.New("device binding error")
	ErrState    = errors.New("invalid buffer state")
	ErrResource = errors.New("resource exhausted")
)

// CodeOf maps an error to its status code. nil maps to StatusOK, errors
// outside the known categories to CodeGeneric.
func CodeOf(err error) int32 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBinding):
		return CodeBinding
	case errors.Is(err, ErrState):
		return CodeState
	case errors.Is(err, ErrResource):
		return CodeResource
	}
	return CodeGeneric
}
