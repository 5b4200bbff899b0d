package bytecode

// Site identifies an instruction of a method.
type Site struct {
	Method *Method
	BCI    int
}

// Counts are the execution counts recorded for a site.
type Counts struct {
	// Executed counts how often the instruction ran.
	Executed int64
	// Taken counts how often a conditional branch was taken.
	Taken int64
	// Thrown counts how often the instruction raised an exception.
	Thrown int64
}

// A Profile records how often branches are taken, calls are made and
// instructions throw. The interpreter fills it in; the graph builder
// consults it for optimistic optimizations.
//
// A Profile is not safe for concurrent recording, but may be read
// concurrently once recording has finished.
type Profile struct {
	sites   map[Site]*Counts
	methods map[*Method]bool
}

func NewProfile() *Profile {
	return &Profile{
		sites:   map[Site]*Counts{},
		methods: map[*Method]bool{},
	}
}

func (p *Profile) counts(m *Method, bci int) *Counts {
	p.methods[m] = true
	s := Site{m, bci}
	c := p.sites[s]
	if c == nil {
		c = &Counts{}
		p.sites[s] = c
	}
	return c
}

// Enter records an invocation of m.
func (p *Profile) Enter(m *Method) { p.methods[m] = true }

// Execute records that the instruction at bci ran.
func (p *Profile) Execute(m *Method, bci int) { p.counts(m, bci).Executed++ }

// Branch records the outcome of the conditional branch at bci.
func (p *Profile) Branch(m *Method, bci int, taken bool) {
	c := p.counts(m, bci)
	c.Executed++
	if taken {
		c.Taken++
	}
}

// Throw records that the instruction at bci raised an exception.
func (p *Profile) Throw(m *Method, bci int) { p.counts(m, bci).Thrown++ }

// At returns the counts recorded for the instruction at bci. It
// reports false if nothing was recorded for it.
func (p *Profile) At(m *Method, bci int) (Counts, bool) {
	if p == nil {
		return Counts{}, false
	}
	c, ok := p.sites[Site{m, bci}]
	if !ok {
		return Counts{}, false
	}
	return *c, true
}

// Covers reports whether m was executed while recording.
func (p *Profile) Covers(m *Method) bool { return p != nil && p.methods[m] }
