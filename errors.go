package dtasm

import "fmt"

// Error is the typed error surface every host-visible operation returns
// (spec §7), modeled on dtasm_base::errors::DtasmError and on the
// idiomatic sentinel-error style used by OPA's wasm SDK
// (internal/wasm/sdk/opa/errors.go): a small closed set of Kind values, one
// concrete Error type, errors.Is-compatible via Unwrap.
type Error struct {
	Kind    Kind
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("dtasm: %s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("dtasm: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Kind enumerates the error taxonomy spec §7 requires the instance manager
// to distinguish.
type Kind uint8

const (
	// UnknownVariableID: a GetValues/SetValues request named an id absent
	// from the cached VarTypeIndex.
	UnknownVariableID Kind = iota
	// VariableTypeMismatch: a SetValues value's wire type doesn't match the
	// variable's declared ValueType.
	VariableTypeMismatch
	// VariableCausalityMismatch: GetValues was asked for a variable whose
	// causality is Input; inputs are never readable through GetValues.
	VariableCausalityMismatch
	// VariableCausalityInvalidForSet: SetValues named a variable whose
	// causality is not Input; only inputs are settable, in any state.
	VariableCausalityInvalidForSet
	// InvalidCallingOrder: an operation was invoked while the instance was
	// in a state that does not permit it (spec §4.3 state table).
	InvalidCallingOrder
	// InvalidVariableValue: a value was structurally valid but out of the
	// variable's admissible domain (e.g. NaN where forbidden).
	InvalidVariableValue
	// DecodeError: a guest response failed to decode as the expected wire
	// record.
	DecodeError
	// DtasmInternalError: a contractual violation or internal failure, such
	// as a guest reporting a response larger than a fixed-size output
	// buffer, a guest Error/Fatal status, or a failed guest memory access.
	DtasmInternalError
	// IoError: a snapshot load/save operation failed against its
	// underlying storage.
	IoError
	// ModuleLoadError: the engine failed to compile or validate guest
	// bytes before any instance existed.
	ModuleLoadError
	// MissingExportError: the guest module lacked one of the required ABI
	// exports.
	MissingExportError
	// LinkError: the engine failed to link the guest's imports.
	LinkError
	// InstantiationError: the engine failed to instantiate a compiled
	// module.
	InstantiationError
	// SandboxTrap: the guest trapped (panicked, hit an unreachable, ran out
	// of fuel) during a call.
	SandboxTrap
)

func (k Kind) String() string {
	switch k {
	case UnknownVariableID:
		return "UnknownVariableID"
	case VariableTypeMismatch:
		return "VariableTypeMismatch"
	case VariableCausalityMismatch:
		return "VariableCausalityMismatch"
	case VariableCausalityInvalidForSet:
		return "VariableCausalityInvalidForSet"
	case InvalidCallingOrder:
		return "InvalidCallingOrder"
	case InvalidVariableValue:
		return "InvalidVariableValue"
	case DecodeError:
		return "DecodeError"
	case DtasmInternalError:
		return "DtasmInternalError"
	case IoError:
		return "IoError"
	case ModuleLoadError:
		return "ModuleLoadError"
	case MissingExportError:
		return "MissingExportError"
	case LinkError:
		return "LinkError"
	case InstantiationError:
		return "InstantiationError"
	case SandboxTrap:
		return "SandboxTrap"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func newError(kind Kind, msg string, wrapped error) *Error {
	return &Error{Kind: kind, Message: msg, Wrapped: wrapped}
}

func errUnknownVariableID(id int32) error {
	return newError(UnknownVariableID, fmt.Sprintf("variable id %d is not declared by the model", id), nil)
}

func errCausalityMismatch(id int32, name string, c fmt.Stringer) error {
	return newError(VariableCausalityMismatch, fmt.Sprintf("variable %d (%s) has causality %s, which cannot be read through GetValues", id, name, c), nil)
}

func errCausalityInvalidForSet(id int32, name string, c fmt.Stringer) error {
	return newError(VariableCausalityInvalidForSet, fmt.Sprintf("variable %d (%s) has causality %s, which cannot be set", id, name, c), nil)
}

func errTypeMismatch(id int32, name string, want, got fmt.Stringer) error {
	return newError(VariableTypeMismatch, fmt.Sprintf("variable %d (%s) is %s, got a %s value", id, name, want, got), nil)
}

func errCallingOrder(op string, state State) error {
	return newError(InvalidCallingOrder, fmt.Sprintf("%s is not permitted in state %s", op, state), nil)
}

func errInternal(msg string) error {
	return newError(DtasmInternalError, msg, nil)
}
