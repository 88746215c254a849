package main

import "unsafe"

// bump is a minimal arena allocator, the TinyGo-wasm analogue of the
// original's alloc/dealloc pair over Rust's global allocator (dtasm.rs).
// Deallocation is a no-op: the instance manager frees every buffer it
// allocates before a call returns, and a single dtasm instance never runs
// long enough for arena growth to matter.
var heapTop uintptr = 1 // never hand out address 0

//export alloc
func allocExport(size uint32) uint32 {
	const align = 8
	ptr := (heapTop + align - 1) / align * align
	heapTop = ptr + uintptr(size)
	return uint32(ptr)
}

//export dealloc
func deallocExport(ptr, size uint32) {}

func viewBytes(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

var cachedDescBytes []byte

//export getModelDescription
func getModelDescriptionExport(outPtr, maxLen uint32) uint32 {
	if cachedDescBytes == nil {
		cachedDescBytes = descriptionBytes()
	}
	return respond(outPtr, maxLen, cachedDescBytes)
}

//export init
func initExport(inPtr, inLen, outPtr, outMaxLen uint32) uint32 {
	d := newDecoder(viewBytes(inPtr, inLen))
	_ = d.getString() // model id, unused: this guest advertises one fixed model
	startTime := d.getFloat64()
	endTimeSet := d.getBool()
	_ = d.getFloat64() // end time
	toleranceSet := d.getBool()
	_ = d.getFloat64() // tolerance
	_ = d.getUint8()   // log level limit
	_ = d.getBool()    // check consistency
	initValues := d.getVarValues()
	_ = endTimeSet
	_ = toleranceSet

	state = newAddState()
	state.t = startTime
	state.applySet(initValues)

	e := newEncoder(8)
	e.putUint8(statusOK)
	return respond(outPtr, outMaxLen, e.buf)
}

//export getValues
func getValuesExport(inPtr, inLen, outPtr, outMaxLen uint32) uint32 {
	d := newDecoder(viewBytes(inPtr, inLen))
	n := d.getUint32()
	ids := make([]int32, n)
	for i := range ids {
		ids[i] = d.getInt32()
	}

	values := state.get(ids)

	e := newEncoder(64)
	e.putFloat64(state.t)
	e.putUint8(statusOK)
	e.putVarValues(values)
	return respond(outPtr, outMaxLen, e.buf)
}

//export setValues
func setValuesExport(inPtr, inLen, outPtr, outMaxLen uint32) uint32 {
	d := newDecoder(viewBytes(inPtr, inLen))
	values := d.getVarValues()
	state.applySet(values)

	e := newEncoder(8)
	e.putUint8(statusOK)
	return respond(outPtr, outMaxLen, e.buf)
}

//export doStep
func doStepExport(inPtr, inLen, outPtr, outMaxLen uint32) uint32 {
	d := newDecoder(viewBytes(inPtr, inLen))
	currentTime := d.getFloat64()
	timestep := d.getFloat64()

	status, updatedTime := state.step(currentTime, timestep)

	e := newEncoder(16)
	e.putUint8(status)
	e.putFloat64(updatedTime)
	return respond(outPtr, outMaxLen, e.buf)
}

// respond copies payload into the host-provided output buffer if it fits,
// always reporting payload's true length so the host can retry with a
// bigger buffer when it doesn't (spec's guest-memory call protocol).
func respond(outPtr, outMaxLen uint32, payload []byte) uint32 {
	if uint32(len(payload)) <= outMaxLen {
		copy(viewBytes(outPtr, outMaxLen), payload)
	}
	return uint32(len(payload))
}
