package compiler

// Stage is one pull-based rewriting step. A stage pulls at most one record
// from its upstream per ProcessNext call, transforms it into zero, one, or
// many output records on its ready-queue, and reports whether it pulled
// anything. Deque hands queued output to the downstream stage.
type Stage interface {
	// Name identifies the stage in diagnostics.
	Name() string

	// SetUpstream links the stage to its single upstream. Called exactly
	// once, before first use.
	SetUpstream(Stage)

	// ProcessNext pulls at most one record from upstream and transforms it.
	// It returns true if it pulled a record, even one it decided to drop,
	// and false once upstream is exhausted.
	ProcessNext() bool

	// Deque pops one ready output record, or nil when the queue is empty.
	Deque() *Rule
}

// BaseStage carries the plumbing every stage shares: the name, the upstream
// link, the ready-queue, and the owning compiler for diagnostics and output.
// Concrete stages embed it and implement ProcessNext.
type BaseStage struct {
	name     string
	upstream Stage
	queue    []*Rule
	comp     *Compiler
}

func newBaseStage(name string) BaseStage {
	return BaseStage{name: name}
}

func (s *BaseStage) Name() string          { return s.name }
func (s *BaseStage) SetUpstream(up Stage)  { s.upstream = up }
func (s *BaseStage) setCompiler(c *Compiler) { s.comp = c }

// Deque pops the oldest queued record.
func (s *BaseStage) Deque() *Rule {
	if len(s.queue) == 0 {
		return nil
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r
}

// push appends records to the ready-queue.
func (s *BaseStage) push(rules ...*Rule) {
	s.queue = append(s.queue, rules...)
}

// pull fetches the next record from upstream, pumping it as needed. Nil
// means upstream is exhausted.
func (s *BaseStage) pull() *Rule {
	for {
		if r := s.upstream.Deque(); r != nil {
			return r
		}
		if !s.upstream.ProcessNext() {
			return nil
		}
	}
}

// stageSetter lets the compiler hand itself to stages during assembly
// without widening the public Stage contract.
type stageSetter interface {
	setCompiler(*Compiler)
}

// sourceStage feeds the records loaded by the compiler prolog into the
// pipeline, one per ProcessNext call.
type sourceStage struct {
	BaseStage
	input []*Rule
	next  int
}

func newSourceStage(rules []*Rule) *sourceStage {
	return &sourceStage{BaseStage: newBaseStage("source"), input: rules}
}

func (s *sourceStage) SetUpstream(Stage) {
	// The source has no upstream.
}

func (s *sourceStage) ProcessNext() bool {
	if s.next >= len(s.input) {
		return false
	}
	s.push(s.input[s.next])
	s.next++
	return true
}

// mapStage adapts a per-rule transform into a Stage. The transform returns
// the rule's replacements; returning nothing drops the rule.
type mapStage struct {
	BaseStage
	fn func(c *Compiler, r *Rule) []*Rule
}

func newMapStage(name string, fn func(c *Compiler, r *Rule) []*Rule) *mapStage {
	return &mapStage{BaseStage: newBaseStage(name), fn: fn}
}

func (s *mapStage) ProcessNext() bool {
	r := s.pull()
	if r == nil {
		return false
	}
	s.push(s.fn(s.comp, r)...)
	return true
}
