// Package interp executes methods, either by interpreting their
// bytecode or by evaluating a graph built from it. Interpretation is
// the fallback for methods that cannot be compiled; graph evaluation
// lets compiled code be checked against it.
package interp

import (
	"errors"
	"fmt"
	"math/bits"

	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/stamp"
)

// Exceptions raised by the machine itself rather than by athrow.
const (
	ArithmeticException int64 = -1 - iota
	IndexOutOfBoundsException
	NullReferenceException
)

var (
	ErrStepLimit     = errors.New("step limit exceeded")
	ErrStackOverflow = errors.New("call stack too deep")
	// ErrUndefined is returned when an operation's result is
	// undefined, such as scanning for a set bit in zero.
	ErrUndefined = errors.New("undefined result")
	// ErrDeoptimized is returned when evaluation reaches a
	// deoptimization point.
	ErrDeoptimized = errors.New("deoptimized")
)

const maxCallDepth = 512

// Env is the state shared by the methods executing in it.
type Env struct {
	Statics map[*bytecode.Field]int64
	// Arrays maps references to int arrays. Reference 0 is null.
	Arrays map[int64][]int32
	// Registers holds the values read by ReadRegister nodes and the
	// corresponding intrinsics.
	Registers map[int64]int64
	// Profile, if set, records execution counts while interpreting.
	Profile *bytecode.Profile
	// MaxSteps limits the number of instructions or fixed nodes
	// executed; zero means no limit.
	MaxSteps int

	steps int
	depth int
	code  map[*bytecode.Method]*decoded
}

func NewEnv() *Env {
	return &Env{
		Statics:   map[*bytecode.Field]int64{},
		Arrays:    map[int64][]int32{},
		Registers: map[int64]int64{},
	}
}

// Steps returns the number of steps executed so far.
func (env *Env) Steps() int { return env.steps }

func (env *Env) step() error {
	env.steps++
	if env.MaxSteps > 0 && env.steps > env.MaxSteps {
		return ErrStepLimit
	}
	return nil
}

// Outcome is the result of executing a method.
type Outcome struct {
	// Value is the returned value, or the exception if Thrown is set.
	Value  int64
	Thrown bool
}

func (o Outcome) String() string {
	if o.Thrown {
		return fmt.Sprintf("throw %d", o.Value)
	}
	return fmt.Sprint(o.Value)
}

func (env *Env) loadIndexed(ref, idx int64) (v, exc int64, ok bool) {
	arr, found := env.Arrays[ref]
	if ref == 0 || !found {
		return 0, NullReferenceException, false
	}
	if idx < 0 || idx >= int64(len(arr)) {
		return 0, IndexOutOfBoundsException, false
	}
	return int64(arr[idx]), 0, true
}

func (env *Env) storeIndexed(ref, idx, v int64) (exc int64, ok bool) {
	arr, found := env.Arrays[ref]
	if ref == 0 || !found {
		return NullReferenceException, false
	}
	if idx < 0 || idx >= int64(len(arr)) {
		return IndexOutOfBoundsException, false
	}
	arr[idx] = int32(v)
	return 0, true
}

// native runs the native implementation of an intrinsic.
func (env *Env) native(m *bytecode.Method, args []int64) (Outcome, error) {
	switch m.Intrinsic {
	case "bsr32", "bsf32":
		v := uint32(args[0])
		if v == 0 {
			return Outcome{}, fmt.Errorf("%s(0): %w", m.Intrinsic, ErrUndefined)
		}
		if m.Intrinsic == "bsr32" {
			return Outcome{Value: int64(31 - bits.LeadingZeros32(v))}, nil
		}
		return Outcome{Value: int64(bits.TrailingZeros32(v))}, nil
	case "bsr64", "bsf64":
		v := uint64(args[0])
		if v == 0 {
			return Outcome{}, fmt.Errorf("%s(0): %w", m.Intrinsic, ErrUndefined)
		}
		if m.Intrinsic == "bsr64" {
			return Outcome{Value: int64(63 - bits.LeadingZeros64(v))}, nil
		}
		return Outcome{Value: int64(bits.TrailingZeros64(v))}, nil
	case "rdpkru":
		return Outcome{Value: stamp.SignExtend(env.Registers[graph.RegisterPKRU], 32)}, nil
	}
	return Outcome{}, fmt.Errorf("%s: no native implementation of %q", m, m.Intrinsic)
}

type decoded struct {
	code  []bytecode.Instruction
	index map[int]int
}

func (env *Env) decode(m *bytecode.Method) (*decoded, error) {
	if d, ok := env.code[m]; ok {
		return d, nil
	}
	code, err := bytecode.Decode(m)
	if err != nil {
		return nil, err
	}
	d := &decoded{code: code, index: make(map[int]int, len(code))}
	for i, ins := range code {
		d.index[ins.BCI] = i
	}
	if env.code == nil {
		env.code = map[*bytecode.Method]*decoded{}
	}
	env.code[m] = d
	return d, nil
}

// RunMethod interprets m with the given arguments. Methods without
// code that have an intrinsic run its native implementation.
func RunMethod(m *bytecode.Method, args []int64, env *Env) (Outcome, error) {
	if len(args) != len(m.Params) {
		return Outcome{}, fmt.Errorf("%s takes %d arguments, got %d", m, len(m.Params), len(args))
	}
	if len(m.Code) == 0 && m.Intrinsic != "" {
		return env.native(m, args)
	}
	locals := make([]int64, max(m.MaxLocals, len(args)))
	for i, k := range m.Params {
		locals[i] = stamp.SignExtend(args[i], k.Bits())
	}
	return RunAt(m, 0, locals, env)
}

// RunAt interprets m starting at bci, with the given values of the
// local variables and an empty operand stack.
func RunAt(m *bytecode.Method, bci int, locals []int64, env *Env) (Outcome, error) {
	d, err := env.decode(m)
	if err != nil {
		return Outcome{}, err
	}
	if _, ok := d.index[bci]; !ok {
		return Outcome{}, fmt.Errorf("%s: %d is not an instruction", m, bci)
	}
	if len(locals) != m.MaxLocals {
		return Outcome{}, fmt.Errorf("%s has %d locals, got %d", m, m.MaxLocals, len(locals))
	}
	if env.depth >= maxCallDepth {
		return Outcome{}, ErrStackOverflow
	}
	env.depth++
	defer func() { env.depth-- }()
	if env.Profile != nil {
		env.Profile.Enter(m)
	}
	fr := &frame{m: m, env: env, locals: locals}
	return fr.run(d, bci)
}

type frame struct {
	m      *bytecode.Method
	env    *Env
	locals []int64
	stack  []int64
}

func (fr *frame) push(v int64) { fr.stack = append(fr.stack, v) }

func (fr *frame) pop() int64 {
	v := fr.stack[len(fr.stack)-1]
	fr.stack = fr.stack[:len(fr.stack)-1]
	return v
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (fr *frame) run(d *decoded, bci int) (Outcome, error) {
	m, env, prof := fr.m, fr.env, fr.env.Profile
	pc := d.index[bci]
	for {
		if err := env.step(); err != nil {
			return Outcome{}, err
		}
		ins := d.code[pc]
		next := pc + 1
		var exc int64
		threw := false
		throw := func(v int64) {
			exc, threw = v, true
		}
		if prof != nil && ins.Op.CanThrow() {
			prof.Execute(m, ins.BCI)
		}
		if len(fr.stack) < stackUse(ins.Op) {
			return Outcome{}, fmt.Errorf("%s@%d: operand stack underflow", m, ins.BCI)
		}

		switch op := ins.Op; op {
		case bytecode.Nop:
		case bytecode.IConst, bytecode.LConst:
			fr.push(ins.Arg)
		case bytecode.Load:
			fr.push(fr.locals[ins.Arg])
		case bytecode.Store:
			fr.locals[ins.Arg] = fr.pop()

		case bytecode.IAdd, bytecode.ISub, bytecode.IMul, bytecode.IAnd, bytecode.IOr, bytecode.IXor,
			bytecode.IShl, bytecode.IShr, bytecode.IUShr:
			y, x := int32(fr.pop()), int32(fr.pop())
			var r int32
			switch op {
			case bytecode.IAdd:
				r = x + y
			case bytecode.ISub:
				r = x - y
			case bytecode.IMul:
				r = x * y
			case bytecode.IAnd:
				r = x & y
			case bytecode.IOr:
				r = x | y
			case bytecode.IXor:
				r = x ^ y
			case bytecode.IShl:
				r = x << (uint32(y) & 31)
			case bytecode.IShr:
				r = x >> (uint32(y) & 31)
			case bytecode.IUShr:
				r = int32(uint32(x) >> (uint32(y) & 31))
			}
			fr.push(int64(r))
		case bytecode.IDiv, bytecode.IRem:
			y, x := int32(fr.pop()), int32(fr.pop())
			if y == 0 {
				throw(ArithmeticException)
				break
			}
			if op == bytecode.IDiv {
				fr.push(int64(x / y))
			} else {
				fr.push(int64(x % y))
			}
		case bytecode.INeg:
			fr.push(int64(-int32(fr.pop())))

		case bytecode.LAdd, bytecode.LSub, bytecode.LMul, bytecode.LAnd, bytecode.LOr, bytecode.LXor:
			y, x := fr.pop(), fr.pop()
			var r int64
			switch op {
			case bytecode.LAdd:
				r = x + y
			case bytecode.LSub:
				r = x - y
			case bytecode.LMul:
				r = x * y
			case bytecode.LAnd:
				r = x & y
			case bytecode.LOr:
				r = x | y
			case bytecode.LXor:
				r = x ^ y
			}
			fr.push(r)
		case bytecode.LShl, bytecode.LShr, bytecode.LUShr:
			s, x := uint32(fr.pop())&63, fr.pop()
			switch op {
			case bytecode.LShl:
				fr.push(x << s)
			case bytecode.LShr:
				fr.push(x >> s)
			case bytecode.LUShr:
				fr.push(int64(uint64(x) >> s))
			}
		case bytecode.LDiv, bytecode.LRem:
			y, x := fr.pop(), fr.pop()
			if y == 0 {
				throw(ArithmeticException)
				break
			}
			if op == bytecode.LDiv {
				fr.push(x / y)
			} else {
				fr.push(x % y)
			}
		case bytecode.LNeg:
			fr.push(-fr.pop())

		case bytecode.I2L:
			fr.push(int64(int32(fr.pop())))
		case bytecode.L2I:
			fr.push(int64(int32(fr.pop())))
		case bytecode.LCmp:
			y, x := fr.pop(), fr.pop()
			switch {
			case x < y:
				fr.push(-1)
			case x == y:
				fr.push(0)
			default:
				fr.push(1)
			}

		case bytecode.IfEq, bytecode.IfNe, bytecode.IfLt, bytecode.IfGe, bytecode.IfGt, bytecode.IfLe,
			bytecode.IfICmpEq, bytecode.IfICmpNe, bytecode.IfICmpLt, bytecode.IfICmpGe, bytecode.IfICmpGt, bytecode.IfICmpLe:
			var x, y int32
			if op >= bytecode.IfICmpEq {
				y = int32(fr.pop())
			}
			x = int32(fr.pop())
			var taken bool
			switch op {
			case bytecode.IfEq, bytecode.IfICmpEq:
				taken = x == y
			case bytecode.IfNe, bytecode.IfICmpNe:
				taken = x != y
			case bytecode.IfLt, bytecode.IfICmpLt:
				taken = x < y
			case bytecode.IfGe, bytecode.IfICmpGe:
				taken = x >= y
			case bytecode.IfGt, bytecode.IfICmpGt:
				taken = x > y
			case bytecode.IfLe, bytecode.IfICmpLe:
				taken = x <= y
			}
			if prof != nil {
				prof.Branch(m, ins.BCI, taken)
			}
			if taken {
				next = d.index[ins.Target()]
			}
		case bytecode.Goto:
			next = d.index[ins.Target()]

		case bytecode.IReturn, bytecode.LReturn:
			return Outcome{Value: fr.pop()}, nil
		case bytecode.Return:
			return Outcome{}, nil

		case bytecode.Pop:
			fr.pop()
		case bytecode.Dup:
			v := fr.pop()
			fr.push(v)
			fr.push(v)
		case bytecode.Swap:
			y, x := fr.pop(), fr.pop()
			fr.push(y)
			fr.push(x)

		case bytecode.GetStatic:
			fr.push(env.Statics[m.Fields[ins.Arg]])
		case bytecode.PutStatic:
			fd := m.Fields[ins.Arg]
			env.Statics[fd] = stamp.SignExtend(fr.pop(), fd.Kind.Bits())
		case bytecode.IALoad:
			idx, ref := fr.pop(), fr.pop()
			if v, e, ok := env.loadIndexed(ref, idx); ok {
				fr.push(v)
			} else {
				throw(e)
			}
		case bytecode.IAStore:
			v, idx, ref := fr.pop(), fr.pop(), fr.pop()
			if e, ok := env.storeIndexed(ref, idx, v); !ok {
				throw(e)
			}
		case bytecode.InvokeStatic:
			callee := m.Callees[ins.Arg]
			args := make([]int64, len(callee.Params))
			if len(fr.stack) < len(args) {
				return Outcome{}, fmt.Errorf("%s@%d: operand stack underflow", m, ins.BCI)
			}
			for i := len(args) - 1; i >= 0; i-- {
				args[i] = fr.pop()
			}
			out, err := RunMethod(callee, args, env)
			if err != nil {
				return Outcome{}, err
			}
			if out.Thrown {
				throw(out.Value)
			} else if callee.Result != bytecode.Void {
				fr.push(out.Value)
			}
		case bytecode.AThrow:
			throw(fr.pop())
		default:
			return Outcome{}, fmt.Errorf("%s@%d: unsupported instruction %s", m, ins.BCI, op)
		}

		if threw {
			if prof != nil {
				prof.Throw(m, ins.BCI)
			}
			h, ok := m.HandlerFor(ins.BCI)
			if !ok {
				return Outcome{Value: exc, Thrown: true}, nil
			}
			fr.stack = append(fr.stack[:0], exc)
			next = d.index[h.Target]
		}
		pc = next
	}
}

// stackUse returns the number of operands op pops.
func stackUse(op bytecode.Opcode) int {
	switch op {
	case bytecode.Store, bytecode.INeg, bytecode.LNeg, bytecode.I2L, bytecode.L2I,
		bytecode.IfEq, bytecode.IfNe, bytecode.IfLt, bytecode.IfGe, bytecode.IfGt, bytecode.IfLe,
		bytecode.IReturn, bytecode.LReturn, bytecode.Pop, bytecode.Dup,
		bytecode.PutStatic, bytecode.AThrow:
		return 1
	case bytecode.IAdd, bytecode.ISub, bytecode.IMul, bytecode.IDiv, bytecode.IRem,
		bytecode.IAnd, bytecode.IOr, bytecode.IXor, bytecode.IShl, bytecode.IShr, bytecode.IUShr,
		bytecode.LAdd, bytecode.LSub, bytecode.LMul, bytecode.LDiv, bytecode.LRem,
		bytecode.LAnd, bytecode.LOr, bytecode.LXor, bytecode.LShl, bytecode.LShr, bytecode.LUShr,
		bytecode.LCmp, bytecode.Swap, bytecode.IALoad,
		bytecode.IfICmpEq, bytecode.IfICmpNe, bytecode.IfICmpLt, bytecode.IfICmpGe,
		bytecode.IfICmpGt, bytecode.IfICmpLe:
		return 2
	case bytecode.IAStore:
		return 3
	}
	return 0
}
