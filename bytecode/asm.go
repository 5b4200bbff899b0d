package bytecode

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Program is a set of assembled methods and the static fields they share.
type Program struct {
	Methods []*Method
	Fields  []*Field
}

// Method returns the method with the given name, or nil.
func (p *Program) Method(name string) *Method {
	for _, m := range p.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

type asmInstr struct {
	line  int
	op    Opcode
	arg   int64
	label string // branch target, callee or field name
	bci   int
}

type asmMethod struct {
	m      *Method
	line   int
	instrs []asmInstr
	labels map[string]int
	// handler label triples
	handlers [][3]string
	size     int
}

// Assemble parses the textual form of a program:
//
//	.field counter I
//	.method sum(II)I
//	.locals 3
//	    load 0
//	    load 1
//	    iadd
//	    ireturn
//	.end
//
// A method body consists of instructions, one per line, optionally
// preceded by a label ("loop:"). Branches name labels, invokestatic
// names a method and getstatic/putstatic name a field. ".handler
// start end target" adds an exception table entry using labels, and
// ".intrinsic name" marks a method as having a native implementation.
// Comments start with ';' or '#'.
func Assemble(src string) (*Program, error) {
	p := &Program{}
	fields := map[string]*Field{}
	var methods []*asmMethod
	var cur *asmMethod

	errorf := func(line int, format string, args ...any) error {
		name := "<program>"
		if cur != nil {
			name = cur.m.Name
		}
		return &FormatError{Method: name, BCI: -1, Msg: fmt.Sprintf("line %d: ", line) + fmt.Sprintf(format, args...)}
	}

	sc := bufio.NewScanner(strings.NewReader(src))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexAny(text, ";#"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if cur != nil {
			for {
				i := strings.Index(text, ":")
				if i <= 0 || strings.ContainsAny(text[:i], " \t") {
					break
				}
				label := text[:i]
				if _, dup := cur.labels[label]; dup {
					return nil, errorf(line, "duplicate label %q", label)
				}
				cur.labels[label] = len(cur.instrs)
				text = strings.TrimSpace(text[i+1:])
			}
		}
		if text == "" {
			continue
		}
		f := strings.Fields(text)
		switch f[0] {
		case ".field":
			if len(f) != 3 {
				return nil, errorf(line, "usage: .field name kind")
			}
			k, err := parseKind(f[2])
			if err != nil || k == Void {
				return nil, errorf(line, "invalid field kind %q", f[2])
			}
			if _, dup := fields[f[1]]; dup {
				return nil, errorf(line, "duplicate field %q", f[1])
			}
			fd := &Field{Name: f[1], Kind: k}
			fields[f[1]] = fd
			p.Fields = append(p.Fields, fd)
		case ".method":
			if cur != nil {
				return nil, errorf(line, "missing .end")
			}
			if len(f) != 2 {
				return nil, errorf(line, "usage: .method name(params)result")
			}
			m, err := parseMethodDecl(f[1])
			if err != nil {
				return nil, errorf(line, "%v", err)
			}
			m.MaxLocals = len(m.Params)
			cur = &asmMethod{m: m, line: line, labels: map[string]int{}}
		case ".locals", ".intrinsic", ".handler", ".end":
			if cur == nil {
				return nil, errorf(line, "%s outside of a method", f[0])
			}
			switch f[0] {
			case ".locals":
				n, err := strconv.Atoi(strings.Join(f[1:], ""))
				if err != nil || n < len(cur.m.Params) || n > math.MaxUint8+1 {
					return nil, errorf(line, "invalid local count")
				}
				cur.m.MaxLocals = n
			case ".intrinsic":
				if len(f) != 2 {
					return nil, errorf(line, "usage: .intrinsic name")
				}
				cur.m.Intrinsic = f[1]
			case ".handler":
				if len(f) != 4 {
					return nil, errorf(line, "usage: .handler start end target")
				}
				cur.handlers = append(cur.handlers, [3]string{f[1], f[2], f[3]})
			case ".end":
				methods = append(methods, cur)
				p.Methods = append(p.Methods, cur.m)
				cur = nil
			}
		default:
			if cur == nil {
				return nil, errorf(line, "instruction outside of a method")
			}
			ins, err := parseInstr(f)
			if err != nil {
				return nil, errorf(line, "%v", err)
			}
			ins.line = line
			cur.instrs = append(cur.instrs, ins)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, errorf(line, "missing .end")
	}

	for _, am := range methods {
		cur = am
		if err := am.encode(p, fields, errorf); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "I":
		return Int, nil
	case "J":
		return Long, nil
	case "V":
		return Void, nil
	}
	return Void, fmt.Errorf("unknown kind %q", s)
}

func parseMethodDecl(s string) (*Method, error) {
	open, close := strings.IndexByte(s, '('), strings.IndexByte(s, ')')
	if open <= 0 || close < open || close == len(s)-1 {
		return nil, fmt.Errorf("malformed method declaration %q", s)
	}
	m := &Method{Name: s[:open]}
	for _, c := range s[open+1 : close] {
		k, err := parseKind(string(c))
		if err != nil || k == Void {
			return nil, fmt.Errorf("invalid parameter kind %q", c)
		}
		m.Params = append(m.Params, k)
	}
	k, err := parseKind(s[close+1:])
	if err != nil {
		return nil, err
	}
	m.Result = k
	return m, nil
}

func parseInstr(f []string) (asmInstr, error) {
	op, ok := opcodesByName[f[0]]
	if !ok {
		return asmInstr{}, fmt.Errorf("unknown instruction %q", f[0])
	}
	ins := asmInstr{op: op}
	if opcodes[op].operand == noOperand {
		if len(f) != 1 {
			return ins, fmt.Errorf("%s takes no operand", op)
		}
		return ins, nil
	}
	if len(f) != 2 {
		return ins, fmt.Errorf("%s takes one operand", op)
	}
	switch {
	case op.IsBranch(), op == InvokeStatic, op == GetStatic, op == PutStatic:
		ins.label = f[1]
	default:
		v, err := strconv.ParseInt(f[1], 0, 64)
		if err != nil {
			return ins, fmt.Errorf("invalid operand %q", f[1])
		}
		switch opcodes[op].operand {
		case u8Operand:
			if v < 0 || v > math.MaxUint8 {
				return ins, fmt.Errorf("operand %d out of range", v)
			}
		case s32Operand:
			if v < math.MinInt32 || v > math.MaxUint32 {
				return ins, fmt.Errorf("operand %d out of range", v)
			}
		}
		ins.arg = v
	}
	return ins, nil
}

func (am *asmMethod) encode(p *Program, fields map[string]*Field, errorf func(int, string, ...any) error) error {
	m := am.m
	bci := 0
	for i := range am.instrs {
		am.instrs[i].bci = bci
		bci += am.instrs[i].op.Size()
	}
	am.size = bci
	bciOf := func(label string) (int, bool) {
		i, ok := am.labels[label]
		if !ok {
			return 0, false
		}
		if i == len(am.instrs) {
			return am.size, true
		}
		return am.instrs[i].bci, true
	}

	if len(am.instrs) == 0 {
		if m.Intrinsic == "" {
			return errorf(am.line, "method %s has no code", m.Name)
		}
		return nil
	}
	code := make([]byte, 0, am.size)
	for _, ins := range am.instrs {
		arg := ins.arg
		switch {
		case ins.op.IsBranch():
			t, ok := bciOf(ins.label)
			if !ok {
				return errorf(ins.line, "undefined label %q", ins.label)
			}
			arg = int64(t - ins.bci)
			if arg < math.MinInt16 || arg > math.MaxInt16 {
				return errorf(ins.line, "branch to %q out of range", ins.label)
			}
		case ins.op == InvokeStatic:
			callee := p.Method(ins.label)
			if callee == nil {
				return errorf(ins.line, "undefined method %q", ins.label)
			}
			arg = int64(indexOf(&m.Callees, callee))
		case ins.op == GetStatic || ins.op == PutStatic:
			fd, ok := fields[ins.label]
			if !ok {
				return errorf(ins.line, "undefined field %q", ins.label)
			}
			arg = int64(indexOf(&m.Fields, fd))
		}
		code = append(code, byte(ins.op))
		switch opcodes[ins.op].operand {
		case u8Operand:
			code = append(code, byte(arg))
		case u16Operand, s16Operand:
			code = binary.BigEndian.AppendUint16(code, uint16(arg))
		case s32Operand:
			code = binary.BigEndian.AppendUint32(code, uint32(arg))
		case s64Operand:
			code = binary.BigEndian.AppendUint64(code, uint64(arg))
		}
	}
	m.Code = code
	for _, h := range am.handlers {
		var bcis [3]int
		for i, l := range h {
			b, ok := bciOf(l)
			if !ok {
				return errorf(am.line, "undefined label %q in handler", l)
			}
			bcis[i] = b
		}
		m.Handlers = append(m.Handlers, Handler{Start: bcis[0], End: bcis[1], Target: bcis[2]})
	}
	return nil
}

func indexOf[T comparable](s *[]T, v T) int {
	for i, x := range *s {
		if x == v {
			return i
		}
	}
	*s = append(*s, v)
	return len(*s) - 1
}

// MustAssemble is like Assemble but panics on error.
func MustAssemble(src string) *Program {
	p, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return p
}
