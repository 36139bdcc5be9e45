package compiler

// ChainInfo describes one chain in the generated ruleset. Builtin chains
// carry hook metadata the nftables renderer needs for its chain headers;
// user chains are plain.
type ChainInfo struct {
	Name     string
	Builtin  bool
	Type     string // filter or nat
	Hook     string // input, forward, output, prerouting, postrouting
	Priority int
	Policy   string // default verdict, builtin chains only
}

// Output is the ordered per-chain text fragment collection owned by one
// compiler instance. Chains keep registration order; lines within a chain
// keep append order.
type Output struct {
	order  []string
	chains map[string]*chainOut
}

type chainOut struct {
	info  ChainInfo
	lines []string
}

// NewOutput creates an empty collection.
func NewOutput() *Output {
	return &Output{chains: make(map[string]*chainOut)}
}

// DeclareChain registers a plain user chain.
func (o *Output) DeclareChain(name string) {
	o.declare(ChainInfo{Name: name})
}

// DeclareBuiltin registers a builtin chain with its hook metadata.
func (o *Output) DeclareBuiltin(info ChainInfo) {
	info.Builtin = true
	o.declare(info)
}

func (o *Output) declare(info ChainInfo) {
	if _, ok := o.chains[info.Name]; ok {
		return
	}
	o.chains[info.Name] = &chainOut{info: info}
	o.order = append(o.order, info.Name)
}

// Append adds one rendered line to a chain, declaring it if needed.
func (o *Output) Append(chain, line string) {
	if _, ok := o.chains[chain]; !ok {
		o.DeclareChain(chain)
	}
	o.chains[chain].lines = append(o.chains[chain].lines, line)
}

// Chains returns chain metadata in registration order.
func (o *Output) Chains() []ChainInfo {
	out := make([]ChainInfo, 0, len(o.order))
	for _, name := range o.order {
		out = append(out, o.chains[name].info)
	}
	return out
}

// Lines returns the rendered lines of one chain.
func (o *Output) Lines(chain string) []string {
	c, ok := o.chains[chain]
	if !ok {
		return nil
	}
	return c.lines
}

// Empty reports whether nothing was rendered.
func (o *Output) Empty() bool {
	for _, c := range o.chains {
		if len(c.lines) > 0 {
			return false
		}
	}
	return true
}
