package graph

import "fmt"

// Op is the operation performed by a node. The set of operations is
// closed; per-operation behavior elsewhere is dispatched through
// tables indexed by Op.
type Op uint8

const (
	OpInvalid Op = iota

	// Control flow.
	OpStart
	OpBegin
	OpEnd
	OpLoopBegin
	OpLoopEnd
	OpMerge
	OpIf
	OpReturn
	OpUnwind
	OpDeoptimize

	// Fixed nodes with effects or traps.
	OpInvoke
	OpLoadStatic
	OpStoreStatic
	OpLoadIndexed
	OpStoreIndexed
	OpDiv
	OpRem
	OpExceptionObject
	OpReadRegister

	// Floating nodes.
	OpConstant
	OpParameter
	OpOSRLocal
	OpPhi
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpUShr
	OpNeg
	OpNot
	OpEquals
	OpLessThan
	OpBelow
	OpConditional
	OpSignExtend
	OpZeroExtend
	OpNarrow
	OpBitScanForward
	OpBitScanReverse

	NumOps
)

type opInfo struct {
	name string
	// fixed nodes are ordered by control edges.
	fixed bool
	// number of successor slots a new node starts with
	succs int
	// merge nodes are entered through the End and LoopEnd nodes listed as their inputs.
	merge bool
	// ends have no successors; control continues at the merge that uses them.
	end bool
	// terminators leave the compilation unit.
	terminator bool
	// canThrow nodes may have an exception edge as a second successor.
	canThrow bool
	// effect nodes change state visible outside the compilation unit.
	effect bool
	// number of inputs, or -1 if variable
	arity       int
	commutative bool
}

var opTable = [NumOps]opInfo{
	OpInvalid: {name: "Invalid"},

	OpStart:      {name: "Start", fixed: true, succs: 1, arity: 0},
	OpBegin:      {name: "Begin", fixed: true, succs: 1, arity: 0},
	OpEnd:        {name: "End", fixed: true, end: true, arity: 0},
	OpLoopBegin:  {name: "LoopBegin", fixed: true, succs: 1, merge: true, arity: -1},
	OpLoopEnd:    {name: "LoopEnd", fixed: true, end: true, arity: 0},
	OpMerge:      {name: "Merge", fixed: true, succs: 1, merge: true, arity: -1},
	OpIf:         {name: "If", fixed: true, succs: 2, arity: 1},
	OpReturn:     {name: "Return", fixed: true, terminator: true, effect: true, arity: -1},
	OpUnwind:     {name: "Unwind", fixed: true, terminator: true, effect: true, arity: 1},
	OpDeoptimize: {name: "Deoptimize", fixed: true, terminator: true, effect: true, arity: 0},

	OpInvoke:          {name: "Invoke", fixed: true, succs: 1, canThrow: true, effect: true, arity: -1},
	OpLoadStatic:      {name: "LoadStatic", fixed: true, succs: 1, arity: 0},
	OpStoreStatic:     {name: "StoreStatic", fixed: true, succs: 1, effect: true, arity: 1},
	OpLoadIndexed:     {name: "LoadIndexed", fixed: true, succs: 1, canThrow: true, arity: 2},
	OpStoreIndexed:    {name: "StoreIndexed", fixed: true, succs: 1, canThrow: true, effect: true, arity: 3},
	OpDiv:             {name: "Div", fixed: true, succs: 1, canThrow: true, arity: 2},
	OpRem:             {name: "Rem", fixed: true, succs: 1, canThrow: true, arity: 2},
	OpExceptionObject: {name: "ExceptionObject", fixed: true, succs: 1, arity: 0},
	OpReadRegister:    {name: "ReadRegister", fixed: true, succs: 1, arity: 0},

	OpConstant:       {name: "Constant", arity: 0},
	OpParameter:      {name: "Parameter", arity: 0},
	OpOSRLocal:       {name: "OSRLocal", arity: 0},
	OpPhi:            {name: "Phi", arity: -1},
	OpAdd:            {name: "Add", arity: 2, commutative: true},
	OpSub:            {name: "Sub", arity: 2},
	OpMul:            {name: "Mul", arity: 2, commutative: true},
	OpAnd:            {name: "And", arity: 2, commutative: true},
	OpOr:             {name: "Or", arity: 2, commutative: true},
	OpXor:            {name: "Xor", arity: 2, commutative: true},
	OpShl:            {name: "Shl", arity: 2},
	OpShr:            {name: "Shr", arity: 2},
	OpUShr:           {name: "UShr", arity: 2},
	OpNeg:            {name: "Neg", arity: 1},
	OpNot:            {name: "Not", arity: 1},
	OpEquals:         {name: "Equals", arity: 2, commutative: true},
	OpLessThan:       {name: "LessThan", arity: 2},
	OpBelow:          {name: "Below", arity: 2},
	OpConditional:    {name: "Conditional", arity: 3},
	OpSignExtend:     {name: "SignExtend", arity: 1},
	OpZeroExtend:     {name: "ZeroExtend", arity: 1},
	OpNarrow:         {name: "Narrow", arity: 1},
	OpBitScanForward: {name: "BitScanForward", arity: 1},
	OpBitScanReverse: {name: "BitScanReverse", arity: 1},
}

func (op Op) String() string {
	if op < NumOps {
		return opTable[op].name
	}
	return fmt.Sprintf("Op(%d)", uint8(op))
}

// IsFixed reports whether nodes of this operation take part in the
// control chain.
func (op Op) IsFixed() bool { return opTable[op].fixed }

// IsFloating reports whether nodes of this operation are pure values
// without control edges.
func (op Op) IsFloating() bool { return op != OpInvalid && !opTable[op].fixed }

func (op Op) IsMerge() bool       { return opTable[op].merge }
func (op Op) IsEnd() bool         { return opTable[op].end }
func (op Op) IsTerminator() bool  { return opTable[op].terminator }
func (op Op) CanThrow() bool      { return opTable[op].canThrow }
func (op Op) HasEffect() bool     { return opTable[op].effect }
func (op Op) IsCommutative() bool { return opTable[op].commutative }

// Arity returns the number of inputs nodes of this operation take, or
// -1 if it varies.
func (op Op) Arity() int { return opTable[op].arity }

// Deoptimization reasons, recorded as the aux value of Deoptimize nodes.
const (
	DeoptNeverExecuted int64 = 1 + iota
	DeoptException
)

// Registers read by ReadRegister nodes, identified by their aux value.
const (
	RegisterPKRU int64 = iota
)
